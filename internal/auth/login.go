package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/filebrowser/internal/apperr"
	"github.com/fruitsalade/filebrowser/internal/config"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/protocol"
)

const maxLoginBody = 1 << 20

// dummyHash is compared against when the username is unknown so both
// failure paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("filebrowser"), bcrypt.DefaultCost)

// LoginHandler exchanges configured credentials for a signed token.
type LoginHandler struct {
	users  []config.User
	tokens *Authority
}

// NewLoginHandler creates a login handler over the configured users.
func NewLoginHandler(users []config.User, tokens *Authority) *LoginHandler {
	return &LoginHandler{users: users, tokens: tokens}
}

// ServeHTTP handles POST /api/login.
func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context())

	var req protocol.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		metrics.RecordAuthAttempt("login", false)
		sendAuthError(w, apperr.ErrInvalidRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		metrics.RecordAuthAttempt("login", false)
		sendAuthError(w, apperr.ErrMissingFields)
		return
	}

	user, ok := h.lookup(req.Username)
	hash := dummyHash
	if ok {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil || !ok {
		metrics.RecordAuthAttempt("login", false)
		logger.Warn("login failed", zap.String("username", req.Username))
		sendAuthError(w, apperr.New(apperr.Unauthorized, "invalid credentials"))
		return
	}

	id := Identity{Username: user.Username, Role: Role(user.Role)}
	tokenStr, expiresAt, err := h.tokens.Issue(id)
	if err != nil {
		metrics.RecordAuthAttempt("login", false)
		logger.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, apperr.New(apperr.Internal, "failed to generate token"))
		return
	}

	metrics.RecordAuthAttempt("login", true)
	logger.Info("login successful", zap.String("username", id.Username), zap.String("role", string(id.Role)))

	protocol.WriteJSON(w, http.StatusOK, protocol.LoginResponse{
		Token:     tokenStr,
		ExpiresAt: expiresAt,
		User:      protocol.User{Username: id.Username, Role: string(id.Role)},
	})
}

func (h *LoginHandler) lookup(username string) (config.User, bool) {
	for _, u := range h.users {
		if u.Username == username {
			return u, true
		}
	}
	return config.User{}, false
}
