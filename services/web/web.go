// Package web serves the HTTP interface on whatever listener the network
// manager currently lends it. Handlers keep no state between requests.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fanctl-go/errcode"
	"fanctl-go/services/memlog"
	"fanctl-go/services/metrics"
	"fanctl-go/services/netmgr"
	"fanctl-go/services/state"
	"fanctl-go/types"
	"fanctl-go/x/logx"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"
)

const maxBody = 1 << 10

const helpText = `GET  /
GET  /help
GET  /status
POST /setpoint   {"setpoint": <float>}
POST /pid        {"kp": <float>, "ki": <float>, "kd": <float>}
GET  /sensors
GET  /net
GET  /log
POST /log/clear
GET  /metrics
`

// Store is the part of the state store the web front end may touch.
type Store interface {
	Snapshot() *state.Snapshot
	SetSetpoint(v float32) error
	SetPID(kp, ki, kd float32) error
}

// Logs is the in-memory log.
type Logs interface {
	Records() []memlog.Record
	Clear()
}

type Config struct {
	MaxConns          int           `yaml:"max_conns"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	AccessLog         bool          `yaml:"access_log"`
}

func DefaultConfig() Config {
	return Config{
		MaxConns:          2,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		AccessLog:         true,
	}
}

type Server struct {
	cfg     Config
	store   Store
	logs    Logs
	metrics *metrics.Metrics
	log     logx.Logger
	banner  string
	handler http.Handler
}

type Option func(*Server)

func WithLogger(l logx.Logger) Option       { return func(s *Server) { s.log = logx.Or(l) } }
func WithLogs(l Logs) Option                { return func(s *Server) { s.logs = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }
func WithBanner(b string) Option            { return func(s *Server) { s.banner = b } }

func New(store Store, cfg Config, opts ...Option) *Server {
	d := DefaultConfig()
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = d.MaxConns
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	s := &Server{cfg: cfg, store: store, log: logx.NullLogger{}, banner: "fanctl\n"}
	for _, o := range opts {
		o(s)
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Name() string { return "web" }

// Handler is the full router, access log included.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	handle := func(path string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(path, fn)).Methods(methods...)
	}

	handle("/", s.getBanner, http.MethodGet)
	handle("/help", s.getHelp, http.MethodGet)
	handle("/status", s.getStatus, http.MethodGet)
	handle("/setpoint", s.postSetpoint, http.MethodPost)
	handle("/pid", s.postPID, http.MethodPost)
	handle("/sensors", s.getSensors, http.MethodGet)
	handle("/net", s.getNet, http.MethodGet)
	handle("/log", s.getLog, http.MethodGet)
	handle("/log/clear", s.postLogClear, http.MethodPost)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, &errcode.E{C: errcode.NotFound, Op: "route", Msg: "no such route"})
	})

	if !s.cfg.AccessLog {
		return r
	}
	return handlers.LoggingHandler(logx.Writer(s.log), r)
}

func (s *Server) getBanner(w http.ResponseWriter, _ *http.Request) { writeText(w, s.banner) }
func (s *Server) getHelp(w http.ResponseWriter, _ *http.Request)   { writeText(w, helpText) }

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, state.StatusOf(s.store.Snapshot()))
}

func (s *Server) getSensors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Sensors)
}

func (s *Server) getNet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Net)
}

func (s *Server) postSetpoint(w http.ResponseWriter, r *http.Request) {
	var req types.SetpointRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Setpoint == nil {
		writeError(w, &errcode.E{C: errcode.InvalidPayload, Op: "setpoint", Msg: "setpoint is required"})
		return
	}
	if err := s.store.SetSetpoint(*req.Setpoint); err != nil {
		writeError(w, err)
		return
	}
	s.log.Infof("setpoint set to %.2f", *req.Setpoint)
	writeJSON(w, http.StatusOK, s.store.Snapshot().Params)
}

func (s *Server) postPID(w http.ResponseWriter, r *http.Request) {
	var req types.PIDRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kp == nil || req.Ki == nil || req.Kd == nil {
		writeError(w, &errcode.E{C: errcode.InvalidPayload, Op: "pid", Msg: "kp, ki and kd are required"})
		return
	}
	if err := s.store.SetPID(*req.Kp, *req.Ki, *req.Kd); err != nil {
		writeError(w, err)
		return
	}
	s.log.Infof("gains set to kp=%g ki=%g kd=%g", *req.Kp, *req.Ki, *req.Kd)
	writeJSON(w, http.StatusOK, s.store.Snapshot().Params)
}

func (s *Server) getLog(w http.ResponseWriter, _ *http.Request) {
	if s.logs == nil {
		writeText(w, "")
		return
	}
	recs := s.logs.Records()
	var b strings.Builder
	for i := len(recs) - 1; i >= 0; i-- {
		b.WriteString(recs[i].String())
		b.WriteByte('\n')
	}
	writeText(w, b.String())
}

func (s *Server) postLogClear(w http.ResponseWriter, _ *http.Request) {
	if s.logs != nil {
		s.logs.Clear()
	}
	writeText(w, "Logs cleared\n")
}

// decode reads a single JSON object with no unknown keys.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &errcode.E{C: errcode.InvalidPayload, Op: "decode", Msg: err.Error(), Err: err}
	}
	if dec.More() {
		return &errcode.E{C: errcode.InvalidPayload, Op: "decode", Msg: "trailing data after object"}
	}
	return nil
}

type errorBody struct {
	Error   errcode.Code `json:"error"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errcode.Of(err)
	msg := err.Error()
	var e *errcode.E
	if errors.As(err, &e) && e.Msg != "" {
		msg = e.Msg
	}
	writeJSON(w, errcode.HTTPStatus(code), errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s)
}

// Run serves every session handed out by the network manager until ctx
// ends. A session ending is not an error: the listener is simply gone until
// the next one arrives.
func (s *Server) Run(ctx context.Context, sessions <-chan netmgr.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sess := <-sessions:
			s.serve(ctx, sess)
		}
	}
}

func (s *Server) serve(ctx context.Context, sess netmgr.Session) {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	ln := netutil.LimitListener(sess.Listener, s.cfg.MaxConns)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Infof("serving on %s (max %d connections)", sess.Listener.Addr(), s.cfg.MaxConns)

	select {
	case <-ctx.Done():
	case <-sess.Done:
		s.log.Warnf("session on %s ended; web unavailable", sess.Address)
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			s.log.Warnf("serve: %v", err)
		}
		select {
		case <-sess.Done:
		case <-ctx.Done():
		}
	}
	srv.Close()
}
