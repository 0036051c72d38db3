package middleware

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"venuewatch/pkg/crypto"
	"venuewatch/pkg/utils"
)

// OwnerHeader - идентификатор владельца алертов (пользователь UI или бота)
const OwnerHeader = "X-Owner-ID"

// maxOwnerLength - ограничение длины X-Owner-ID
const maxOwnerLength = 128

type ctxKey int

const ownerKey ctxKey = iota

// OwnerFromContext - владелец, проставленный Auth ("" вне api маршрутов)
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// WithOwner кладёт владельца в контекст
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// tokenCache - sha256 уже проверенных токенов. bcrypt на каждый запрос
// стоит сотни миллисекунд, поэтому успешная проверка запоминается.
type tokenCache struct {
	mu   sync.RWMutex
	seen map[[sha256.Size]byte]struct{}
}

func (c *tokenCache) has(sum [sha256.Size]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[sum]
	return ok
}

func (c *tokenCache) add(sum [sha256.Size]byte) {
	c.mu.Lock()
	c.seen[sum] = struct{}{}
	c.mu.Unlock()
}

// Auth - доступ к /api/v1 только для авторизованных операторов.
//
// Требует "Authorization: Bearer <token>", где токен совпадает с одним
// из bcrypt-хешей конфигурации, и заголовок X-Owner-ID. Владелец
// попадает в контекст запроса и ограничивает видимость алертов
// и журнала уведомлений.
//
// Пустой список хешей отключает проверку токена (локальный запуск),
// X-Owner-ID требуется всегда.
func Auth(tokenHashes []string, log *utils.Logger) func(http.Handler) http.Handler {
	log = utils.OrGlobal(log).WithComponent("auth")
	if len(tokenHashes) == 0 {
		log.Warn("api token hashes are not configured, bearer authentication disabled")
	}
	cache := &tokenCache{seen: make(map[[sha256.Size]byte]struct{})}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokenHashes) > 0 {
				token, ok := bearerToken(r)
				if !ok {
					w.Header().Set("WWW-Authenticate", `Bearer realm="venuewatch"`)
					writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
					return
				}
				sum := sha256.Sum256([]byte(token))
				if !cache.has(sum) {
					if crypto.MatchAny(token, tokenHashes) < 0 {
						log.Warn("rejected api token", utils.String("remote", r.RemoteAddr), utils.String("path", r.URL.Path))
						w.Header().Set("WWW-Authenticate", `Bearer realm="venuewatch", error="invalid_token"`)
						writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
						return
					}
					cache.add(sum)
				}
			}

			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if owner == "" || len(owner) > maxOwnerLength {
				writeError(w, http.StatusBadRequest, "BadRequest", "X-Owner-ID header is required (max 128 chars)")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
