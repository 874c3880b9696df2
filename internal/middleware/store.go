// Package middleware содержит HTTP middleware движка кэшбэка.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/mmeshcher/cashback-engine/internal/validation"
)

type contextKey string

const storeIDKey contextKey = "storeID"

// StoreTokenHeader содержит подписанный идентификатор магазина в формате "<storeID>.<hex hmac>".
const StoreTokenHeader = "X-Store-Token"

// StoreMiddleware определяет магазин вызывающей стороны по подписанному токену.
type StoreMiddleware struct {
	secretKey []byte
}

// NewStoreMiddleware создаёт StoreMiddleware с указанным секретным ключом.
// Если ключ пуст, генерируется случайный: токены будут действительны только до перезапуска.
func NewStoreMiddleware(secret string) *StoreMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &StoreMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен магазина и добавляет идентификатор магазина в контекст запроса.
func (s *StoreMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(StoreTokenHeader)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		storeID, ok := s.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), storeIDKey, storeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SignStoreID возвращает токен для указанного магазина.
func (s *StoreMiddleware) SignStoreID(storeID string) string {
	return storeID + "." + hex.EncodeToString(s.sign(storeID))
}

func (s *StoreMiddleware) sign(storeID string) []byte {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(storeID))
	return mac.Sum(nil)
}

func (s *StoreMiddleware) parseToken(token string) (string, bool) {
	storeID, signature, found := strings.Cut(token, ".")
	if !found || !validation.IsValidID(storeID) {
		return "", false
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return "", false
	}

	if !hmac.Equal(got, s.sign(storeID)) {
		return "", false
	}

	return storeID, true
}

// GetStoreIDFromContext извлекает идентификатор магазина из контекста запроса.
func GetStoreIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(storeIDKey).(string)
	return id, ok && id != ""
}

// WithStoreID возвращает контекст с идентификатором магазина.
func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDKey, storeID)
}
