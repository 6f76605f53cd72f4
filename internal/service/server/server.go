package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"pair_sync/internal/service/auth"
	"pair_sync/internal/service/directory"
	"pair_sync/internal/service/pairing"
	"pair_sync/internal/service/presence"
	"pair_sync/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type (
	Options struct {
		Addr           string
		MaxConnections int
		OfflineTimeout time.Duration
	}

	HttpServer struct {
		options   Options
		directory *directory.Directory
		pairing   *pairing.Manager
		gate      *auth.Gate
		registry  *presence.Registry
	}
)

func NewHttpServer(options Options, dir *directory.Directory, mgr *pairing.Manager, gate *auth.Gate, registry *presence.Registry) *HttpServer {
	if options.OfflineTimeout <= 0 {
		options.OfflineTimeout = presence.DefaultOfflineTimeout
	}
	mgr.SetNotifier(registry)
	return &HttpServer{
		options:   options,
		directory: dir,
		pairing:   mgr,
		gate:      gate,
		registry:  registry,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	r.HandleFunc("/identity/verify", s.VerifyIdentity()).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.gate.Middleware(func(w http.ResponseWriter, err error) {
		writeError(w, http.StatusUnauthorized, err)
	}))
	api.HandleFunc("/identity/me", s.GetMe()).Methods(http.MethodGet)
	api.HandleFunc("/pairing/pair", s.Pair()).Methods(http.MethodPost)
	api.HandleFunc("/pairing/unpair", s.Unpair()).Methods(http.MethodPost)
	api.HandleFunc("/status", s.GetStatus()).Methods(http.MethodGet)
	api.HandleFunc("/status", s.PutStatus()).Methods(http.MethodPut)
	api.HandleFunc("/status/partner", s.GetPartnerStatus()).Methods(http.MethodGet)

	return r
}

// Run serves HTTP and runs the liveness sweep until ctx is done, then closes
// every live channel.
func (s *HttpServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.options.Addr)
	if err != nil {
		return err
	}
	if s.options.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.options.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.registry.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
