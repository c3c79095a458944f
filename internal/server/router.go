package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/internal/accounts"
	"github.com/MarcoPoloResearchLab/parlor/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const handshakeTimeout = 10 * time.Second

var (
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingEventRouter = errors.New("event router dependency required")
	errMissingHub         = errors.New("hub dependency required")
)

// Dependencies wires the HTTP surface to the rest of the process.
type Dependencies struct {
	Accounts *accounts.Service
	Tokens   *auth.TokenIssuer
	Events   *EventRouter
	Hub      *Hub
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router: REST auth endpoints, a health probe,
// and the websocket upgrade that hands sockets to the event router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Events == nil {
		return nil, errMissingEventRouter
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts: deps.Accounts,
		tokens:   deps.Tokens,
		events:   deps.Events,
		hub:      deps.Hub,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary origins; auth happens at the
			// token and handshake layer, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.GET("/ws", handler.handleSocket)

	return router, nil
}

type httpHandler struct {
	accounts *accounts.Service
	tokens   *auth.TokenIssuer
	events   *EventRouter
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.hub.Online()})
}

type registerPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Color    string `json:"color"`
	Avatar   string `json:"avatar"`
	Tag      string `json:"tag"`
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Register(c.Request.Context(),
		request.Username, request.Password, request.Color, request.Avatar, request.Tag)
	switch {
	case errors.Is(err, accounts.ErrInvalidUsername), errors.Is(err, accounts.ErrInvalidPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, accounts.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	h.issueToken(c, account.Username)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Authenticate(c.Request.Context(), request.Username, request.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	h.issueToken(c, account.Username)
}

func (h *httpHandler) issueToken(c *gin.Context, username string) {
	token, expiresIn, err := h.tokens.IssueSessionToken(username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// handleSocket upgrades the connection, reads the one-time handshake frame,
// registers the session and then pumps frames into the event router. An
// optional token query parameter binds the socket to an authenticated
// username, overriding whatever the handshake claims.
func (h *httpHandler) handleSocket(c *gin.Context) {
	authenticatedUsername := ""
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		authenticatedUsername = subject
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	client := NewClient(connectionID, h.hub, conn)
	h.hub.Add(client)
	go client.WritePump()

	handshake, err := readHandshake(conn)
	if err != nil {
		h.logger.Debug("handshake failed",
			zap.String("connection_id", connectionID), zap.Error(err))
		h.hub.Remove(connectionID)
		_ = conn.Close()
		return
	}
	if authenticatedUsername != "" {
		handshake.Username = authenticatedUsername
	}

	ctx := c.Request.Context()
	h.events.HandleConnect(ctx, connectionID, handshake)
	client.OnClose(func() {
		h.events.HandleDisconnect(connectionID)
	})

	client.ReadPump(func(frame []byte) {
		h.events.HandleFrame(ctx, connectionID, frame)
	})
}

func readHandshake(conn *websocket.Conn) (HandshakePayload, error) {
	var handshake HandshakePayload
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return handshake, err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return handshake, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return handshake, err
	}

	// The handshake may arrive bare or wrapped in the usual envelope.
	var envelope Envelope
	if jsonErr := json.Unmarshal(frame, &envelope); jsonErr == nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &handshake); err == nil && handshake.Username != "" {
			return handshake, nil
		}
	}
	if err := json.Unmarshal(frame, &handshake); err != nil {
		return handshake, err
	}
	return handshake, nil
}
