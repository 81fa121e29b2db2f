package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tapcoin/wallet/internal/api/problem"
	"github.com/tapcoin/wallet/internal/idempotency"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

const maxIdempotentBody = 64 << 10

// IdempotencyMiddleware replays the stored response when a mutating request repeats
// its Idempotency-Key. Requests without the header pass through. Keys are scoped to
// the authenticated user.
func IdempotencyMiddleware(store idempotency.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				observability.IncrementIdempotencyEvent("missing_key")
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/invalid-key"), "", "Idempotency-Key must be at most 255 characters")
				return
			}
			if userID, ok := UserIDFromContext(r.Context()); ok {
				key = userID.String() + ":" + key
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil || len(bodyBytes) > maxIdempotentBody {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), "", "Failed to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			reqHash := hashRequest(r.Method, r.URL.Path, bodyBytes)
			rec, err := store.Lookup(r.Context(), key, reqHash)
			switch {
			case err == nil:
				observability.IncrementIdempotencyEvent("replay")
				respondFromRecord(w, rec)
				return
			case errors.Is(err, idempotency.ErrHashMismatch):
				observability.IncrementIdempotencyEvent("hash_mismatch")
				problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), "", "Idempotency-Key was used with a different request")
				return
			case errors.Is(err, idempotency.ErrInProgress):
				waitAndReplay(w, r, store, logger, key, reqHash, "replay_after_wait")
				return
			case !errors.Is(err, idempotency.ErrNotFound):
				observability.IncrementIdempotencyEvent("lookup_error")
				logger.Warn("idempotency lookup failed", zap.Error(err))
			}

			reserved, err := store.Reserve(r.Context(), key, reqHash, r.Method, r.URL.Path)
			if err != nil {
				observability.IncrementIdempotencyEvent("reserve_error")
				logger.Error("idempotency reserve failed", zap.Error(err))
				problem.Write(w, r, http.StatusServiceUnavailable, problem.Type("idempotency/unavailable"), "", "idempotency store unavailable")
				return
			}
			if !reserved {
				waitAndReplay(w, r, store, logger, key, reqHash, "replay_after_reserve")
				return
			}
			observability.IncrementIdempotencyEvent("reserved")

			recorder := &bodyRecorder{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// Record the failure so retries replay it instead of waiting on a key
				// that would otherwise stay in progress.
				status, body, contentType := recorder.status, recorder.body.Bytes(), recorder.Header().Get("Content-Type")
				if status == 0 {
					status = http.StatusInternalServerError
					body, _ = json.Marshal(problem.New(r, status, problem.Type("internal-server-error"), "", "unexpected server error"))
					contentType = problem.ContentType
				}
				finalize(r.Context(), store, logger, key, reqHash, status, body, contentType)
				panic(rec)
			}()
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			finalize(r.Context(), store, logger, key, reqHash, recorder.status, recorder.body.Bytes(), recorder.Header().Get("Content-Type"))
		})
	}
}

// finalize stores the response. It is already written, so the record is stored even if
// the client went away.
func finalize(ctx context.Context, store idempotency.Store, logger *zap.Logger, key, reqHash string, status int, body []byte, contentType string) {
	if contentType == "" {
		contentType = "application/json"
	}
	if _, err := store.Finalize(context.WithoutCancel(ctx), key, reqHash, status, body, contentType); err != nil {
		observability.IncrementIdempotencyEvent("finalize_error")
		logger.Warn("idempotency finalize failed", zap.Error(err), zap.String("key", key))
		return
	}
	observability.IncrementIdempotencyEvent("finalized")
}

func waitAndReplay(w http.ResponseWriter, r *http.Request, store idempotency.Store, logger *zap.Logger, key, reqHash, event string) {
	rec, err := idempotency.WaitForCompletion(r.Context(), store, key, reqHash)
	if err == nil {
		observability.IncrementIdempotencyEvent(event)
		respondFromRecord(w, rec)
		return
	}
	if errors.Is(err, idempotency.ErrHashMismatch) {
		observability.IncrementIdempotencyEvent("hash_mismatch")
		problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), "", "Idempotency-Key was used with a different request")
		return
	}
	observability.IncrementIdempotencyEvent("in_progress_conflict")
	logger.Warn("idempotency wait failed", zap.Error(err))
	problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/in-progress"), "", "a request with this Idempotency-Key is still processing")
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256(append([]byte(method+"|"+path+"|"), body...))
	return hex.EncodeToString(sum[:])
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.status = code
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	if br.status == 0 {
		br.status = http.StatusOK
	}
	br.body.Write(b)
	return br.ResponseWriter.Write(b)
}

func respondFromRecord(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("X-Idempotent-Replay", rec.ServedBy)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
