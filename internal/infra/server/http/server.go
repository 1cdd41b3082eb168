// Package httpserver exposes the cart, wishlist and catalog HTTP surface.
package httpserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tokencart/errs"
	"github.com/coachpo/tokencart/internal/app/session"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/domain/schema"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	eventWriteTimeout = 5 * time.Second
)

var errEmptyBody = errors.New("request body required")

// Option configures the handler.
type Option func(*httpServer)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *httpServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type httpServer struct {
	sessions *session.Manager
	logger   *log.Logger

	requestDuration metric.Float64Histogram
}

// NewHandler builds the HTTP handler serving every user session owned by mgr.
func NewHandler(mgr *session.Manager, opts ...Option) http.Handler {
	s := &httpServer{
		sessions: mgr,
		logger:   log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.requestDuration, _ = otel.Meter("httpserver").Float64Histogram("http.server.request.duration",
		metric.WithDescription("Request latency by route template"),
		metric.WithUnit("ms"))
	r := mux.NewRouter()
	r.Use(s.instrument)
	s.RegisterRoutes(r)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	return withCORS(r)
}

// RegisterRoutes registers all routes on the provided router.
func (s *httpServer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/products/{productID}", s.getProduct).Methods(http.MethodGet)

	u := r.PathPrefix("/users/{userID}").Subrouter()
	u.HandleFunc("/wishlist", s.listWishlist).Methods(http.MethodGet)
	u.HandleFunc("/wishlist/move-to-cart", s.moveToCart).Methods(http.MethodPost)
	u.HandleFunc("/wishlist/{productID}", s.addWishlist).Methods(http.MethodPut)
	u.HandleFunc("/wishlist/{productID}", s.removeWishlist).Methods(http.MethodDelete)

	u.HandleFunc("/cart", s.getCart).Methods(http.MethodGet)
	u.HandleFunc("/cart/items", s.addCartItem).Methods(http.MethodPost)
	u.HandleFunc("/cart/items/{productID}", s.removeCartItem).Methods(http.MethodDelete)
	u.HandleFunc("/cart/items/{productID}/confirm-price", s.confirmPrice).Methods(http.MethodPost)
	u.HandleFunc("/cart/commit", s.commitCart).Methods(http.MethodPost)

	u.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
}

// instrument records request latency keyed by the matched route template.
func (s *httpServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.requestDuration == nil {
			return
		}
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.requestDuration.Record(r.Context(), float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(telemetry.HTTPAttributes(r.Method, route, rec.status)...))
	})
}

// statusRecorder captures the response status. It passes Hijack through so
// the events endpoint can upgrade the connection.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type addItemPayload struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type movePayload struct {
	ProductIDs []string `json:"productIds"`
}

type mutationResponse struct {
	MutationID syncer.MutationID `json:"mutationId,omitempty"`
	Synced     bool              `json:"synced"`
}

type cartResponse struct {
	UserID      string            `json:"userId"`
	Lines       []schema.CartLine `json:"lines"`
	TotalTokens int64             `json:"totalTokens"`
	Pending     int               `json:"pending"`
}

type itemResultView struct {
	ProductID string             `json:"productId"`
	Outcome   schema.ItemOutcome `json:"outcome"`
	Line      *schema.CartLine   `json:"line,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (s *httpServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

func (s *httpServer) getProduct(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Catalog().Get(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *httpServer) listWishlist(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": sess.UserID(),
		"items":  sess.Wishlist().List(r.Context()),
	})
}

func (s *httpServer) addWishlist(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	id, err := sess.Wishlist().Add(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeMutation(w, r, sess, http.StatusOK, id)
}

func (s *httpServer) removeWishlist(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	id, err := sess.Wishlist().Remove(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeMutation(w, r, sess, http.StatusOK, id)
}

func (s *httpServer) moveToCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	var payload movePayload
	if err := decodeJSON(w, r, &payload); err != nil && !errors.Is(err, errEmptyBody) {
		writeDecodeError(w, err)
		return
	}
	results := sess.MoveWishlistToCart(r.Context(), payload.ProductIDs)
	views := make([]itemResultView, len(results))
	for i, res := range results {
		views[i] = itemResultView{ProductID: res.ProductID, Outcome: res.Outcome, Line: res.Line}
		if res.Err != nil {
			views[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": views})
}

func (s *httpServer) getCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	c := sess.Cart()
	lines := c.Lines()
	if lines == nil {
		lines = []schema.CartLine{}
	}
	writeJSON(w, http.StatusOK, cartResponse{
		UserID:      sess.UserID(),
		Lines:       lines,
		TotalTokens: c.TotalTokens(),
		Pending:     sess.Pending(),
	})
}

func (s *httpServer) addCartItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	var payload addItemPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Quantity == 0 {
		payload.Quantity = 1
	}
	receipt, err := sess.Cart().AddItem(r.Context(), payload.ProductID, payload.Quantity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeReceipt(w, r, sess, receipt.MutationID, receipt)
}

func (s *httpServer) removeCartItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	id, err := sess.Cart().RemoveItem(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeMutation(w, r, sess, http.StatusOK, id)
}

func (s *httpServer) confirmPrice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	receipt, err := sess.Cart().ConfirmPrice(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeReceipt(w, r, sess, receipt.MutationID, receipt)
}

func (s *httpServer) commitCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	holds, err := sess.Checkout(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": sess.UserID(), "holds": holds})
}

// streamEvents forwards session notifications to a websocket client until
// either side closes.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Printf("events accept failed: user=%s err=%v", sess.UserID(), err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Printf("events encode failed: user=%s err=%v", sess.UserID(), err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *httpServer) openSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Open(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		s.writeDomainError(w, err)
		return nil, false
	}
	return sess, true
}

// waitRequested reports whether the caller asked to block until the gateway
// acknowledged the write.
func waitRequested(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("wait"))
	return err == nil && v
}

func (s *httpServer) writeMutation(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, id syncer.MutationID) {
	resp := mutationResponse{MutationID: id, Synced: id == ""}
	if id != "" && waitRequested(r) {
		if err := sess.Wait(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		resp.Synced = true
	}
	writeJSON(w, status, resp)
}

func (s *httpServer) writeReceipt(w http.ResponseWriter, r *http.Request, sess *session.Session, id syncer.MutationID, receipt any) {
	if id != "" && waitRequested(r) {
		if err := sess.Wait(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *httpServer) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{
		"status": "error",
		"code":   string(errs.CodeOf(err)),
		"error":  err.Error(),
	})
}

func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInsufficientStock, errs.CodeInsufficientTokens, errs.CodeConflict, errs.CodePriceDrift:
		return http.StatusConflict
	case errs.CodeNotFound, errs.CodeTicketNotFound:
		return http.StatusNotFound
	case errs.CodeTicketExpired:
		return http.StatusGone
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeUnavailable, errs.CodeSyncFailed:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	limitRequestBody(w, r)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
