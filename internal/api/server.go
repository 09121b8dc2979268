// Package api is the HTTP surface: a thin façade translating the task
// engine's verbs and the revision expander into the fixed REST dialect the
// investigation client speaks.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wikimedia-gadgets/dispatch/internal/config"
	"github.com/wikimedia-gadgets/dispatch/internal/expander"
	"github.com/wikimedia-gadgets/dispatch/internal/jobs"
	"github.com/wikimedia-gadgets/dispatch/internal/revstore"
	"github.com/wikimedia-gadgets/dispatch/internal/sites"
	"github.com/wikimedia-gadgets/dispatch/internal/tasks"
	"github.com/wikimedia-gadgets/dispatch/internal/types"
	"github.com/wikimedia-gadgets/dispatch/internal/wikiapi"
)

// Server wires every dispatch component behind the REST surface.
type Server struct {
	cfg   *config.Config
	log   *logrus.Entry
	sites *sites.Registry
	env   *jobs.Env
	store *revstore.Store

	mu        sync.Mutex
	expanders map[string]*expander.Expander

	deletedRevs  *tasks.Engine
	deletedPages *tasks.Engine
	largest      *tasks.Engine
	talk         *tasks.Engine

	httpServer *http.Server
	started    time.Time
}

// New assembles a server over the shared component set.
func New(cfg *config.Config, registry *sites.Registry, env *jobs.Env, store *revstore.Store, log *logrus.Entry) *Server {
	entry := log.WithField("component", "api")
	return &Server{
		cfg:          cfg,
		log:          entry,
		sites:        registry,
		env:          env,
		store:        store,
		expanders:    make(map[string]*expander.Expander),
		deletedRevs:  tasks.NewEngine("deleted-revisions", entry),
		deletedPages: tasks.NewEngine("deleted-pages", entry),
		largest:      tasks.NewEngine("largest-edits", entry),
		talk:         tasks.NewEngine("search-talk", entry),
		started:      time.Now(),
	}
}

// ExpanderFor returns the per-wiki revision expander, building it on first
// use. Each expander feeds the shared revision store through a view scoped
// to its own wiki; revision ids collide across wikis.
func (s *Server) ExpanderFor(wiki *types.Wiki) *expander.Expander {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.expanders[wiki.DBName]; ok {
		return e
	}
	e := expander.New(s.env.Clients.For(wiki), s.log.WithField("wiki", wiki.DBName)).
		WithStore(s.store.ForWiki(wiki.DBName))
	s.expanders[wiki.DBName] = e
	return e
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /v1/revisions/{wiki}", s.handleGetRevisions)
	mux.HandleFunc("POST /v1/revisions/{wiki}", s.handlePostRevisions)

	mux.HandleFunc("POST /v1/user/deleted-revisions", s.handleSubmitDeletedRevisions)
	mux.HandleFunc("GET /v1/user/deleted-revisions/{id}/progress", s.taskProgress(s.deletedRevs))
	mux.HandleFunc("GET /v1/user/deleted-revisions/{id}", s.taskResult(s.deletedRevs))

	mux.HandleFunc("POST /v1/user/deleted-pages", s.handleSubmitDeletedPages)
	mux.HandleFunc("GET /v1/user/deleted-pages/{id}/progress", s.taskProgress(s.deletedPages))
	mux.HandleFunc("GET /v1/user/deleted-pages/{id}", s.taskResult(s.deletedPages))

	mux.HandleFunc("POST /v1/user/largest-edits", s.handleSubmitLargestEdits)
	mux.HandleFunc("GET /v1/user/largest-edits/{id}/progress", s.taskProgress(s.largest))
	mux.HandleFunc("GET /v1/user/largest-edits/{id}", s.taskResult(s.largest))

	mux.HandleFunc("POST /v1/user/search-talk", s.handleSubmitSearchTalk)
	mux.HandleFunc("GET /v1/user/search-talk/{id}/progress", s.taskProgress(s.talk))
	mux.HandleFunc("GET /v1/user/search-talk/{id}", s.taskResult(s.talk))

	return s.cors(mux)
}

// cors allows cross-origin use only for origins belonging to a known wiki.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			wiki, err := s.sites.ByOrigin(r.Context(), origin)
			if err == nil && wiki != nil {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": config.Version,
		"uptime":  fmt.Sprintf("%.0fs", time.Since(s.started).Seconds()),
	})
}

// resolveWiki validates the dbname against the registry. Unknown and
// non-global wikis are both unsupported.
func (s *Server) resolveWiki(ctx context.Context, dbname string) (*types.Wiki, error) {
	wiki, err := s.sites.ByDBName(ctx, dbname)
	if err != nil {
		return nil, err
	}
	if wiki == nil || wiki.NonGlobal {
		return nil, nil
	}
	return wiki, nil
}

// Run serves until ctx is done, then drains for five seconds. Task sweeps
// run for the server's lifetime.
func (s *Server) Run(ctx context.Context) error {
	for _, engine := range []*tasks.Engine{s.deletedRevs, s.deletedPages, s.largest, s.talk} {
		go engine.Janitor(ctx, time.Minute)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	s.log.WithField("addr", listener.Addr().String()).Info("dispatch listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// UserAgent exposes the upstream identity string, for logging at startup.
func (s *Server) UserAgent() string {
	return wikiapi.UserAgent(config.Version)
}
