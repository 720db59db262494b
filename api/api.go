package api

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"sync/atomic"

	"codesync/hub"
	"codesync/models"
	"codesync/toolchain"
	"codesync/utils"

	"cdr.dev/slog"
	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"golang.org/x/xerrors"
)

type CtxKey string

const (
	CtxKeyIPAddress CtxKey = "ip-address"

	DefaultErrorMessage = "internal server error"
)

// Submitter admits execution requests for asynchronous processing
type Submitter interface {
	Submit(ctx context.Context, req models.ExecutionRequest) error
}

type HttpApiParams struct {
	// NodeID
	//
	//  The id of the node that is running the api.
	NodeID int64

	// Snowflake
	//
	//  The snowflake node to use for generating ids.
	Snowflake *snowflake.Node

	// Port
	//
	//  The port to listen on.
	Port uint16

	// Host
	//
	//  The host to listen on.
	Host string

	// Logger
	//
	//  The logger to use for logging http requests and websocket handlers.
	Logger slog.Logger

	// Secret
	//
	//  Shared secret clients must present as a bearer token. Empty disables
	//  authentication.
	Secret string

	// AllowedOrigins
	//
	//  Origins allowed to open websockets and make CORS requests.
	AllowedOrigins []string

	// SubmitRatePerSec and SubmitBurst
	//
	//  Token bucket applied to the execution requests of each connection.
	SubmitRatePerSec float64
	SubmitBurst      int

	// MaxHandlersPerSocket
	//
	//  Number of messages of one connection handled concurrently.
	MaxHandlersPerSocket int

	Hub         *hub.Hub
	Coordinator Submitter
	Registry    *toolchain.Registry
}

// HttpApi
//
//	The http server carrying the room websocket and the service endpoints.
type HttpApi struct {
	HttpApiParams
	wg                *conc.WaitGroup
	listener          net.Listener
	router            *chi.Mux
	validator         *validator.Validate
	activeConnections *atomic.Int64
	sockets           sync.Map
	server            *http.Server
	baseCtx           atomic.Pointer[context.Context]
}

// NewHttpApi
//
//	Creates a new http api server bound to the configured address.
func NewHttpApi(params HttpApiParams) (*HttpApi, error) {
	if params.Hub == nil || params.Coordinator == nil || params.Registry == nil {
		return nil, xerrors.New("hub, coordinator and registry are required")
	}
	if params.Snowflake == nil {
		return nil, xerrors.New("snowflake node is required")
	}
	if params.MaxHandlersPerSocket <= 0 {
		params.MaxHandlersPerSocket = 5
	}
	if params.SubmitBurst <= 0 {
		params.SubmitBurst = 1
	}
	if len(params.AllowedOrigins) == 0 {
		params.AllowedOrigins = []string{"*"}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", params.Host, params.Port))
	if err != nil {
		return nil, xerrors.Errorf("failed to create listener: %w", err)
	}

	router := chi.NewRouter()

	externalAPI := &HttpApi{
		HttpApiParams:     params,
		wg:                conc.NewWaitGroup(),
		listener:          listener,
		router:            router,
		validator:         validator.New(),
		activeConnections: &atomic.Int64{},
	}

	corsOptions := cors.Options{
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}
	if allowsAnyOrigin(params.AllowedOrigins) {
		corsOptions.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
	} else {
		corsOptions.AllowedOrigins = params.AllowedOrigins
	}

	// link global middleware
	externalAPI.router.Use(
		// panic catcher
		middleware.Recoverer,
		cors.Handler(corsOptions),
		externalAPI.initRequest,
	)

	externalAPI.linkApi()

	externalAPI.server = &http.Server{
		ErrorLog: log.New(io.Discard, "", 0),
		Handler:  externalAPI.router,
		BaseContext: func(_ net.Listener) context.Context {
			if ctx := externalAPI.baseCtx.Load(); ctx != nil {
				return *ctx
			}
			return context.Background()
		},
	}

	return externalAPI, nil
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Addr returns the address the server is listening on
func (a *HttpApi) Addr() net.Addr {
	return a.listener.Addr()
}

// Start
//
//	Starts active listening of the api server on the configured address.
//	The listening is bound to the passed context.
func (a *HttpApi) Start(ctx context.Context) error {
	a.baseCtx.Store(&ctx)

	err := a.server.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown
//
//	Stops accepting requests, closes every open websocket and waits for
//	their loops to exit.
func (a *HttpApi) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	// Shutdown only closes listeners that are being served
	_ = a.listener.Close()

	// hijacked websocket connections are not closed by the http server
	a.sockets.Range(func(_, value any) bool {
		value.(*masterWebSocket).cancel(xerrors.New("server shutting down"))
		return true
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

func (a *HttpApi) linkApi() {
	router := chi.NewRouter()

	// handle all options calls
	router.Method("OPTIONS", "/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// basic ping api
	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	// basic health api
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	router.Handle("/metrics", promhttp.Handler())

	// link pprof profile endpoints
	router.Route("/debug/pprof", func(r chi.Router) {
		r = r.With(a.authenticateSession)
		r.HandleFunc("/*", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.HandleFunc("/vars", expVars)

		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/mutex", pprof.Handler("mutex"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/block", pprof.Handler("block"))
		r.Handle("/allocs", pprof.Handler("allocs"))
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/languages", a.Languages)

		authRouter := r.With(a.authenticateSession)
		authRouter.Get("/ws", a.MasterWebSocket)
	})

	a.router.Mount("/", router)
}

// LanguageInfo describes one executable language
type LanguageInfo struct {
	Language      string `json:"language"`
	Name          string `json:"name"`
	Compiled      bool   `json:"compiled"`
	SupportsStdin bool   `json:"supports_stdin"`
	PromptShim    bool   `json:"prompt_shim"`
}

// Languages
//
//	Lists the languages the server can execute in a stable order.
func (a *HttpApi) Languages(w http.ResponseWriter, r *http.Request) {
	recipes := a.Registry.Recipes()
	out := make([]LanguageInfo, 0, len(recipes))
	for _, recipe := range recipes {
		out = append(out, LanguageInfo{
			Language:      recipe.Language.String(),
			Name:          recipe.Name,
			Compiled:      recipe.HasBuild(),
			SupportsStdin: recipe.SupportsStdin,
			PromptShim:    recipe.Shim != toolchain.ShimNone,
		})
	}
	a.handleJsonResponse(w, r, http.StatusOK, map[string]any{"languages": out})
}

// initRequest
//
//	Middleware to initialize a http request.
//	This should be the first middleware called on the system (excluding a logger).
func (a *HttpApi) initRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), CtxKeyIPAddress, utils.GetRemoteAddr(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleError
//
//	Uniform handler for logging errors and writing a response message.
func (a *HttpApi) handleError(w http.ResponseWriter, r *http.Request,
	status int, message string, err error) {
	a.Logger.Error(
		r.Context(),
		"api call failed",
		slog.Error(err),
		slog.F("path", r.URL.Path),
		slog.F("reqId", middleware.GetReqID(r.Context())),
	)
	a.handleJsonResponse(w, r, status, message)
}

// handleJsonResponse
//
//	Uniform handler for JSON responses.
func (a *HttpApi) handleJsonResponse(w http.ResponseWriter, r *http.Request,
	status int, response any) {
	// strings are wrapped into a message object
	if s, ok := response.(string); ok {
		response = map[string]string{"message": s}
	}

	buf, err := json.Marshal(response)
	if err != nil {
		a.Logger.Error(r.Context(), "failed to marshal json response", slog.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(buf)
	if err != nil {
		a.Logger.Error(
			r.Context(),
			"failed to write json response",
			slog.Error(err),
			slog.F("reqId", middleware.GetReqID(r.Context())),
		)
	}
}

// authenticateSession
//
//	Authenticates a request using the shared secret presented either as a
//	bearer token or, for browsers that cannot set headers on a websocket
//	upgrade, as the token query parameter. A 403 is written when the token
//	is missing or wrong.
func (a *HttpApi) authenticateSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.Secret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		authToken := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			authToken = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if len(authToken) == 0 {
			a.Logger.Debug(
				r.Context(),
				"no auth token found",
				slog.F("path", r.URL.Path),
				slog.F("ip", r.Context().Value(CtxKeyIPAddress)),
			)
			a.handleJsonResponse(w, r, http.StatusForbidden, "forbidden")
			return
		}

		if strings.TrimSpace(authToken) != a.Secret {
			a.Logger.Debug(
				r.Context(),
				"invalid token",
				slog.F("path", r.URL.Path),
				slog.F("ip", r.Context().Value(CtxKeyIPAddress)),
			)
			a.handleJsonResponse(w, r, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// expVars replicates the unexported handler of expvar
func expVars(w http.ResponseWriter, r *http.Request) {
	first := true
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "{\n")
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			_, _ = fmt.Fprintf(w, ",\n")
		}
		first = false
		_, _ = fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	_, _ = fmt.Fprintf(w, "\n}\n")
}
