package web

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"code.dogecoin.org/governor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"code.dogecoin.org/registry/internal/registry"
	"code.dogecoin.org/registry/internal/spec"
)

func New(bind spec.Address, mgr *registry.Manager) governor.Service {
	mux := http.NewServeMux()
	a := &WebAPI{
		mgr: mgr,
		srv: http.Server{
			Addr:    bind.String(),
			Handler: mux,
		},
	}

	mux.HandleFunc("/status", a.getStatus)
	mux.HandleFunc("/entries", a.getEntries)
	mux.HandleFunc("/ranks", a.getRanks)
	mux.HandleFunc("/payee", a.getPayee)
	mux.Handle("/metrics", promhttp.HandlerFor(a.newMetrics(), promhttp.HandlerOpts{}))

	return a
}

type WebAPI struct {
	governor.ServiceCtx
	mgr *registry.Manager
	srv http.Server
}

// newMetrics exposes registry gauges on a private prometheus registry
// (the process-global one would clash when several binds are served).
func (a *WebAPI) newMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "registry_entries",
		Help: "Number of known service-node entries.",
	}, func() float64 { return float64(a.mgr.Count(-1)) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "registry_entries_enabled",
		Help: "Number of enabled service-node entries.",
	}, func() float64 { return float64(a.mgr.CountEnabled(-1)) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "registry_sentinel_active",
		Help: "Whether the aggregate sentinel ping is current.",
	}, func() float64 {
		if a.mgr.IsSentinelPingActive() {
			return 1
		}
		return 0
	}))
	return reg
}

// called on any
func (a *WebAPI) Stop() {
	// new goroutine because Shutdown() blocks
	go func() {
		// cannot use ServiceCtx here because it's already cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.srv.Shutdown(ctx) // blocking call
		cancel()
	}()
}

// goroutine
func (a *WebAPI) Run() {
	log.Printf("HTTP server listening on: %v\n", a.srv.Addr)
	if err := a.srv.ListenAndServe(); err != http.ErrServerClosed { // blocking call
		log.Printf("HTTP server: %v\n", err)
	}
}

func (a *WebAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	options := "GET, OPTIONS"
	if r.Method == http.MethodGet {
		sendJson(w, a.mgr.Status(), options)
	} else {
		sendOptions(w, r, options)
	}
}

func (a *WebAPI) getEntries(w http.ResponseWriter, r *http.Request) {
	options := "GET, OPTIONS"
	if r.Method == http.MethodGet {
		entries := a.mgr.Entries()
		views := make([]spec.EntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, entryView(e))
		}
		sendJson(w, views, options)
	} else {
		sendOptions(w, r, options)
	}
}

func (a *WebAPI) getRanks(w http.ResponseWriter, r *http.Request) {
	options := "GET, OPTIONS"
	if r.Method != http.MethodGet {
		sendOptions(w, r, options)
		return
	}
	height, err := a.heightParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ranks, err := a.mgr.RanksAt(height, -1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	views := make([]spec.RankView, 0, len(ranks))
	for _, rp := range ranks {
		views = append(views, spec.RankView{Rank: rp.Rank, Entry: entryView(rp.Entry)})
	}
	sendJson(w, views, options)
}

func (a *WebAPI) getPayee(w http.ResponseWriter, r *http.Request) {
	options := "GET, OPTIONS"
	if r.Method != http.MethodGet {
		sendOptions(w, r, options)
		return
	}
	height, err := a.heightParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, winner := a.mgr.NextForPayment(height, true)
	res := spec.PayeeRes{Considered: count}
	if winner != nil {
		view := entryView(*winner)
		res.Entry = &view
	}
	sendJson(w, res, options)
}

func (a *WebAPI) heightParam(r *http.Request) (int, error) {
	arg := r.URL.Query().Get("height")
	if arg == "" {
		return a.mgr.TipHeight(), nil
	}
	return strconv.Atoi(arg)
}

func entryView(e registry.Snapshot) spec.EntryView {
	return spec.EntryView{
		Outpoint:      e.Outpoint.String(),
		Addr:          e.Addr.String(),
		State:         e.State.String(),
		Protocol:      int(e.ProtocolVersion),
		SigTime:       e.SigTime,
		LastPingTime:  e.LastPingTime,
		LastPaidBlock: e.LastPaidBlock,
		PoSeScore:     e.PoSeBanScore,
	}
}
