package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody bounds the size of one delivery.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature over body.
// An optional "sha256=" prefix is accepted. Comparison is constant-time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhook(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhook returns the hex signature the receiver expects for body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport is a push channel fed by signed HTTP deliveries instead
// of a long-lived connection. Mount HTTPHandler on a server reachable by the
// chat backend; deliveries are forwarded only between Connect and
// Disconnect.
type WebhookTransport struct {
	secret string
	log    *logrus.Entry

	mu      sync.Mutex
	open    bool
	gen     uint64
	onEvent func(Event)
	onState func(RealtimeState)
}

// NewWebhookTransport creates a webhook receiver verifying with secret.
func NewWebhookTransport(secret string, log *logrus.Entry) (*WebhookTransport, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if log == nil {
		log = defaultLogger()
	}
	return &WebhookTransport{
		secret: secret,
		log:    log.WithFields(logrus.Fields{"component": "transport", "transport": "webhook"}),
	}, nil
}

// Connect starts forwarding deliveries.
func (w *WebhookTransport) Connect(_ context.Context, onEvent func(Event), onState func(RealtimeState)) error {
	w.mu.Lock()
	w.open = true
	w.gen++
	w.onEvent = onEvent
	w.onState = onState
	w.mu.Unlock()
	if onState != nil {
		onState(StateConnected)
	}
	return nil
}

// Disconnect stops forwarding. Later deliveries are refused.
func (w *WebhookTransport) Disconnect() error {
	w.mu.Lock()
	wasOpen := w.open
	w.open = false
	w.gen++
	onState := w.onState
	w.onEvent = nil
	w.onState = nil
	w.mu.Unlock()
	if wasOpen && onState != nil {
		onState(StateDisconnected)
	}
	return nil
}

// Handle verifies and decodes one delivery and forwards it. Returns the
// status code and response body for the caller to write.
func (w *WebhookTransport) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		w.log.Warn("rejected webhook signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := DecodeEvent(body)
	if errors.Is(err, ErrUnknownEvent) {
		w.log.WithError(err).Debug("skipping delivery")
		return http.StatusOK, map[string]bool{"ok": true}
	}
	if err != nil {
		w.log.WithError(err).Warn("malformed delivery")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.Lock()
	gen, onEvent := w.gen, w.onEvent
	w.mu.Unlock()
	if onEvent == nil || !w.current(gen) {
		return http.StatusServiceUnavailable, map[string]string{"error": "Receiver not connected"}
	}
	// The handler runs unlocked so it may disconnect this transport. A
	// consumer torn down meanwhile refuses the event itself.
	onEvent(ev)
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *WebhookTransport) current(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open && w.gen == gen
}

// HTTPHandler returns an http.Handler that processes deliveries.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookTransport("secret", nil)
//	http.Handle("/chat/webhook", wh.HTTPHandler())
func (w *WebhookTransport) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := w.Handle(body, r.Header.Get(WebhookSignatureHeader))
		writeWebhookJSON(rw, status, data)
	})
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
