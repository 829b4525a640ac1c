package handlers

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/auth"
	"github.com/memohai/omnicore/internal/config"
)

const ActionLoginFailed = "admin.login_failed"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Username    string    `json:"username"`
}

// AuthHandler signs the single configured operator in to the admin API.
type AuthHandler struct {
	logger       *slog.Logger
	username     string
	passwordHash []byte
	secret       string
	expiresIn    time.Duration
	audit        audit.Recorder
}

// NewAuthHandler hashes a plain configured password once at startup.
func NewAuthHandler(log *slog.Logger, admin config.AdminConfig, authCfg config.AuthConfig, recorder audit.Recorder) (*AuthHandler, error) {
	if log == nil {
		log = slog.Default()
	}
	username := strings.TrimSpace(admin.Username)
	if username == "" {
		return nil, fmt.Errorf("admin username is required")
	}
	hash := []byte(strings.TrimSpace(admin.PasswordHash))
	if len(hash) == 0 {
		password := strings.TrimSpace(admin.Password)
		if password == "" {
			return nil, fmt.Errorf("admin password or password_hash is required")
		}
		if password == "change-your-password-here" {
			log.Warn("admin password uses default placeholder; please update config.toml")
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = hashed
	}
	return &AuthHandler{
		logger:       log.With(slog.String("handler", "auth")),
		username:     username,
		passwordHash: hash,
		secret:       authCfg.JWTSecret,
		expiresIn:    authCfg.ExpiresIn(),
		audit:        recorder,
	}, nil
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
	e.POST("/auth/refresh", h.Refresh)
}

// Login godoc
// @Summary Operator login
// @Tags auth
// @Param payload body LoginRequest true "Credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password))
	if !userOK || passErr != nil {
		h.recordFailure(c, username)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token, expiresAt, err := auth.GenerateToken(h.username, h.secret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Username:    h.username,
	})
}

// Refresh godoc
// @Summary Refresh the operator token
// @Tags auth
// @Success 200 {object} LoginResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Username:    h.username,
	})
}

func (h *AuthHandler) recordFailure(c echo.Context, username string) {
	h.logger.Warn("admin login failed", slog.String("username", username), slog.String("remote_ip", c.RealIP()))
	if h.audit == nil {
		return
	}
	if err := h.audit.Append(c.Request().Context(), audit.Entry{
		Action:         ActionLoginFailed,
		ActorID:        username,
		Resource:       c.RealIP(),
		Detail:         "invalid credentials",
		ClearanceLevel: audit.ClearanceRestricted,
	}); err != nil {
		h.logger.Error("audit append failed", slog.String("action", ActionLoginFailed), slog.Any("error", err))
	}
}
