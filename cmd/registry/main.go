package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"code.dogecoin.org/gossip/dnet"

	"code.dogecoin.org/governor"

	"code.dogecoin.org/registry/internal/chain"
	"code.dogecoin.org/registry/internal/chaincfg"
	"code.dogecoin.org/registry/internal/gossip"
	"code.dogecoin.org/registry/internal/registry"
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
	"code.dogecoin.org/registry/internal/store"
	"code.dogecoin.org/registry/internal/web"
)

const WebAPIDefaultPort = 8092
const DBFile = "registry.db"
const DefaultStorage = "./storage"

// daemon version reported in our pings and compared against the
// versions other entries report
const DaemonVersion = 1070015

var stderr = log.New(os.Stderr, "", 0)

func main() {
	var crawl int
	var lite bool
	binds := []dnet.Address{}
	peers := []dnet.Address{}
	dbfile := DBFile
	dir := DefaultStorage
	chainFile := ""
	mnOutpoint := ""
	mnService := ""
	flag.Func("dir", "<path> - storage directory (default './storage')", func(arg string) error {
		ent, err := os.Stat(arg)
		if err != nil {
			stderr.Fatalf("--dir: %v", err)
		}
		if !ent.IsDir() {
			stderr.Fatalf("--dir: not a directory: %v", arg)
		}
		dir = arg
		return nil
	})
	flag.IntVar(&crawl, "crawl", 0, "number of roaming peer connections")
	flag.BoolVar(&lite, "lite", false, "lite mode (disables all registry functions)")
	flag.StringVar(&dbfile, "db", DBFile, "path to SQLite database (relative: in storage dir)")
	flag.StringVar(&chainFile, "chain", "", "path to chain-params TOML override file")
	flag.StringVar(&mnOutpoint, "outpoint", "", "collateral outpoint of our own entry (<txid-hex>:<n>)")
	flag.Func("bind", "Bind web API <ip>:<port> (use [<ip>]:<port> for IPv6)", func(arg string) error {
		addr, err := parseIPPort(arg, "bind", WebAPIDefaultPort)
		if err != nil {
			return err
		}
		binds = append(binds, addr)
		return nil
	})
	flag.Func("peer", "<ip>:<port> - fixed peer to stay connected to (use [<ip>]:<port> for IPv6)", func(arg string) error {
		addr, err := parseIPPort(arg, "peer", chaincfg.MainNet().DefaultPort)
		if err != nil {
			return err
		}
		peers = append(peers, addr)
		return nil
	})
	flag.StringVar(&mnService, "service", "", "our own entry's service address <ip>:<port>")
	flag.Parse()
	if flag.NArg() > 0 {
		log.Printf("Unexpected argument: %v", flag.Arg(0))
		os.Exit(1)
	}
	if len(binds) < 1 {
		binds = append(binds, dnet.Address{
			Host: net.IP([]byte{0, 0, 0, 0}),
			Port: WebAPIDefaultPort,
		})
	}

	cfg, err := chaincfg.Load(chainFile)
	if err != nil {
		stderr.Fatalf("--chain: %v", err)
	}

	// operating an entry requires the service key from the MNKEY env-var
	self := identityFromFlags(cfg, mnOutpoint, mnService)

	// open database.
	dbpath := path.Join(dir, dbfile)
	db, err := store.NewSQLiteStore(dbpath, context.Background())
	if err != nil {
		log.Printf("Error opening database: %v [%s]\n", err, dbpath)
		os.Exit(1)
	}

	chainView := chain.NewView()
	syncTracker := chain.NewTracker()
	schedule := chain.NewSchedule(cfg.MinProtocolVersion, 5000)
	hub := gossip.NewHub(cfg)

	mgr := registry.New(cfg, chainView, hub, syncTracker, schedule, self, DaemonVersion)
	mgr.SetLite(lite)
	hub.SetDispatcher(mgr)
	hub.OnConnect(func(p spec.Peer) {
		mgr.DsegUpdate(p)
	})

	// restore the persisted registry (discarded on version mismatch)
	if err := mgr.LoadFrom(db); err != nil {
		log.Printf("Error loading registry snapshot: %v", err)
		os.Exit(1)
	}

	gov := governor.New().CatchSignals().Restart(1 * time.Second)

	// stay connected to fixed peers if specified.
	for _, peer := range peers {
		gov.Add(fmt.Sprintf("peer-%v", peer), gossip.NewClient(hub, peer, true))
	}

	// roam the address book for more peers.
	for n := 0; n < crawl; n++ {
		gov.Add(fmt.Sprintf("crawler-%d", n), gossip.NewClient(hub, dnet.Address{}, false))
	}

	// track sync progress as the asset streams go quiet.
	gov.Add("sync", chain.NewSyncService(syncTracker))

	// the housekeeping loop drives all periodic registry work.
	gov.Add("housekeeper", registry.NewHousekeeper(mgr, db))

	// start the web API.
	for _, to := range binds {
		gov.Add("web-api", web.New(to, mgr))
	}

	// start the store trimmer
	gov.Add("store", store.NewStoreTrimmer(db))

	// run services until interrupted.
	gov.Start()
	gov.WaitForShutdown()
	fmt.Println("finished.")
}

// identityFromFlags assembles our active entry identity, if this node
// operates one.
func identityFromFlags(cfg *chaincfg.Params, outArg string, serviceArg string) *registry.Identity {
	if outArg == "" {
		return nil
	}
	out, err := parseOutpoint(outArg)
	if err != nil {
		stderr.Fatalf("--outpoint: %v", err)
	}
	if serviceArg == "" {
		stderr.Fatalf("--service is required with --outpoint")
	}
	service, err := parseIPPort(serviceArg, "service", cfg.DefaultPort)
	if err != nil {
		stderr.Fatalf("%v", err)
	}

	// get the service private key from the MNKEY env-var
	keyHex := os.Getenv("MNKEY")
	os.Setenv("MNKEY", "") // don't leave the key in the environment
	if keyHex == "" {
		stderr.Fatalf("Missing MNKEY env-var: service-node signing key (32 bytes hex)")
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		stderr.Fatalf("Invalid MNKEY hex in env-var: %v", err)
	}
	key, err := signer.KeyFromBytes(keyBytes)
	if err != nil {
		stderr.Fatalf("Invalid MNKEY: %v", err)
	}
	log.Printf("Service-node pubkey is: %v", hex.EncodeToString(key.PubKey()))
	return &registry.Identity{
		Outpoint:   out,
		Service:    service,
		ServiceKey: key,
	}
}

func parseOutpoint(arg string) (spec.Outpoint, error) {
	txid, index, found := strings.Cut(arg, ":")
	if !found {
		return spec.Outpoint{}, fmt.Errorf("expected <txid-hex>:<n>")
	}
	raw, err := hex.DecodeString(txid)
	if err != nil || len(raw) != 32 {
		return spec.Outpoint{}, fmt.Errorf("invalid txid hex: %v", txid)
	}
	n, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return spec.Outpoint{}, fmt.Errorf("invalid output index: %v", index)
	}
	var out spec.Outpoint
	copy(out.TxID[:], raw)
	out.Index = uint32(n)
	return out, nil
}

// Parse an IPv4 or IPv6 address with optional port.
func parseIPPort(arg string, name string, defaultPort uint16) (dnet.Address, error) {
	// net.SplitHostPort doesn't return a specific error code,
	// so we need to detect if the port it present manually.
	colon := strings.LastIndex(arg, ":")
	bracket := strings.LastIndex(arg, "]")
	if colon == -1 || (arg[0] == '[' && bracket != -1 && colon < bracket) {
		ip := net.ParseIP(arg)
		if ip == nil {
			return dnet.Address{}, fmt.Errorf("bad --%v: invalid IP address: %v (use [<ip>]:port for IPv6)", name, arg)
		}
		return dnet.Address{
			Host: ip,
			Port: defaultPort,
		}, nil
	}
	res, err := dnet.ParseAddress(arg)
	if err != nil {
		return dnet.Address{}, fmt.Errorf("bad --%v: invalid IP address: %v (use [<ip>]:port for IPv6)", name, arg)
	}
	return res, nil
}
