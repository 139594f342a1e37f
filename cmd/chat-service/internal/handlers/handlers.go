// Package handlers is the HTTP surface of the chat service: authentication,
// certificate lifecycle, conversation history, attachment grants, and the
// websocket upgrade. Every protected route resolves a bearer token to a
// verified identity before touching the core.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/cryptochat/internal/attachments"
	"gitlab.com/secp/services/cryptochat/internal/auth"
	"gitlab.com/secp/services/cryptochat/internal/db"
	"gitlab.com/secp/services/cryptochat/internal/envelope"
	"gitlab.com/secp/services/cryptochat/internal/gateway"
	"gitlab.com/secp/services/cryptochat/internal/models"
	"gitlab.com/secp/services/cryptochat/internal/ratelimit"
	"gitlab.com/secp/services/cryptochat/internal/storage"
	"gitlab.com/secp/services/cryptochat/internal/trust"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  128 * 1024,
	WriteBufferSize: 128 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure appropriately for production)
	},
}

type identityKey struct{}

type Server struct {
	db          *db.DB
	store       *storage.Postgres
	authService *auth.Service
	trustEngine *trust.Engine
	gateway     *gateway.Gateway
	attachments *attachments.Service
	rateLimiter *ratelimit.Limiter
}

func NewServer(database *db.DB, store *storage.Postgres, authService *auth.Service, trustEngine *trust.Engine, gw *gateway.Gateway, att *attachments.Service, limiter *ratelimit.Limiter) *Server {
	return &Server{
		db:          database,
		store:       store,
		authService: authService,
		trustEngine: trustEngine,
		gateway:     gw,
		attachments: att,
		rateLimiter: limiter,
	}
}

func (s *Server) SetupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(corsMiddleware)
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Auth
	router.HandleFunc("/api/auth/signup", s.handleSignup).Methods("POST")
	router.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")
	router.HandleFunc("/api/auth/logout", s.handleLogout).Methods("POST")

	// Users
	router.HandleFunc("/api/users", s.authMiddleware(s.handleListUsers)).Methods("GET")
	router.HandleFunc("/api/users/me", s.authMiddleware(s.handleMe)).Methods("GET")

	// Certificate lifecycle
	router.HandleFunc("/api/certificates/ca", s.handleGetCA).Methods("GET")
	router.HandleFunc("/api/certificates/my-csr", s.authMiddleware(s.handleSubmitCSR)).Methods("POST")
	router.HandleFunc("/api/certificates/my-csr", s.authMiddleware(s.handleGetCSR)).Methods("GET")
	router.HandleFunc("/api/certificates/upload", s.authMiddleware(s.handleUploadCertificate)).Methods("POST")
	router.HandleFunc("/api/certificates/status", s.authMiddleware(s.handleCertificateStatus)).Methods("GET")
	router.HandleFunc("/api/certificates/user/{id}", s.authMiddleware(s.handleGetUserCertificate)).Methods("GET")

	// Conversations
	router.HandleFunc("/api/conversations", s.authMiddleware(s.handleListConversations)).Methods("GET")
	router.HandleFunc("/api/conversations/with/{userID}", s.authMiddleware(s.handleConversationWith)).Methods("POST")
	router.HandleFunc("/api/conversations/{id}/messages", s.authMiddleware(s.handleGetMessages)).Methods("GET")
	router.HandleFunc("/api/conversations/{id}/messages", s.authMiddleware(s.handleSendMessage)).Methods("POST")

	// Attachments
	router.HandleFunc("/api/attachments/upload-url", s.authMiddleware(s.handleAttachmentUpload)).Methods("POST")
	router.HandleFunc("/api/attachments/download-url", s.authMiddleware(s.handleAttachmentDownload)).Methods("POST")

	// Live connection
	router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		token := authHeader
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}

		identity, err := s.authService.Authenticate(r.Context(), token)
		if errors.Is(err, auth.ErrSessionStoreDown) {
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func identityFrom(r *http.Request) *models.Identity {
	return r.Context().Value(identityKey{}).(*models.Identity)
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string  `json:"username"`
		Email       string  `json:"email"`
		Password    string  `json:"password"`
		PhoneNumber *string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	if err := s.rateLimiter.CheckLogin(r.Context(), req.Username, clientIP); err != nil {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token, identity, err := s.authService.Register(r.Context(), req.Username, req.Email, req.Password, req.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameTaken):
			http.Error(w, "Username already taken", http.StatusConflict)
		case errors.Is(err, auth.ErrInvalidCredentials):
			http.Error(w, "Invalid request", http.StatusBadRequest)
		case errors.Is(err, auth.ErrSessionStoreDown):
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		default:
			http.Error(w, "Failed to create account", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":    token,
		"identity": identity,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	if err := s.rateLimiter.CheckLogin(r.Context(), req.Username, clientIP); err != nil {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token, identity, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrSessionStoreDown) {
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":    token,
		"identity": identity,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	token := authHeader
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		token = authHeader[7:]
	}
	if err := s.authService.Revoke(r.Context(), token); err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// User Handlers

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(identityFrom(r))
}

// handleListUsers lists identities for peer discovery, optionally filtered by
// a username prefix.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50, 1, 200)

	users, err := s.store.ListIdentities(r.Context(), search, limit)
	if err != nil {
		http.Error(w, "Failed to list users", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"users": users,
	})
}

// Certificate Handlers

func (s *Server) handleGetCA(w http.ResponseWriter, r *http.Request) {
	caPEM, err := s.trustEngine.AuthorityPEM()
	if err != nil {
		http.Error(w, "Trust anchor unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"ca_certificate": caPEM})
}

func (s *Server) handleSubmitCSR(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CSR == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.rateLimiter.CheckCertificateUpload(r.Context(), identity.ID.String()); err != nil {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if err := s.store.SubmitCSR(r.Context(), identity.ID, req.CSR); err != nil {
		http.Error(w, "Failed to store signing request", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": models.CertStatusPending})
}

// handleGetCSR returns the caller's pending signing request, if any, so a
// client can resume an interrupted enrollment.
func (s *Server) handleGetCSR(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	record, err := s.store.GetCertificateRecord(r.Context(), identity.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Failed to load certificate state", http.StatusInternalServerError)
		return
	}
	if record == nil || record.CSR == nil {
		http.Error(w, "No pending signing request", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"csr":    *record.CSR,
		"status": s.trustEngine.DerivedStatus(record, time.Now()),
	})
}

func (s *Server) handleUploadCertificate(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	var req struct {
		Certificate string `json:"certificate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Certificate == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := s.rateLimiter.CheckCertificateUpload(r.Context(), identity.ID.String()); err != nil {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	record, err := s.store.GetCertificateRecord(r.Context(), identity.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Failed to load certificate state", http.StatusInternalServerError)
		return
	}

	result, err := s.trustEngine.AcceptUpload(record, req.Certificate, time.Now())
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, trust.ErrNoPendingRequest):
			status = http.StatusConflict
		case errors.Is(err, trust.ErrTrustConfig):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Certificate rejected: %v", err), status)
		return
	}

	record.CertificatePEM = &req.Certificate
	record.Status = result.Status
	record.Serial = &result.Serial
	record.Subject = &result.Subject
	record.ExpiresAt = &result.ExpiresAt
	record.CSR = nil

	if err := s.store.SetCertificateRecord(r.Context(), record); err != nil {
		http.Error(w, "Failed to persist certificate", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     result.Status,
		"serial":     result.Serial,
		"subject":    result.Subject,
		"expires_at": result.ExpiresAt,
	})
}

func (s *Server) handleCertificateStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	record, err := s.store.GetCertificateRecord(r.Context(), identity.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Failed to load certificate state", http.StatusInternalServerError)
		return
	}

	// A missing record derives to status none.
	response := map[string]interface{}{
		"status": s.trustEngine.DerivedStatus(record, time.Now()),
	}
	if record != nil && record.Serial != nil {
		response["serial"] = *record.Serial
	}
	if record != nil && record.ExpiresAt != nil {
		response["expires_at"] = *record.ExpiresAt
	}

	json.NewEncoder(w).Encode(response)
}

// handleGetUserCertificate returns another identity's certificate so a peer
// can encrypt to it. Only a currently active certificate is served.
func (s *Server) handleGetUserCertificate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	record, err := s.store.GetCertificateRecord(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "No active certificate for this user", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load certificate state", http.StatusInternalServerError)
		return
	}

	if s.trustEngine.DerivedStatus(record, time.Now()) != models.CertStatusActive || record.CertificatePEM == nil {
		http.Error(w, "No active certificate for this user", http.StatusNotFound)
		return
	}

	publicKey, err := trust.PublicKeyPEM(*record.CertificatePEM)
	if err != nil {
		http.Error(w, "Stored certificate unreadable", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"certificate": *record.CertificatePEM,
		"public_key":  publicKey,
		"serial":      record.Serial,
		"expires_at":  record.ExpiresAt,
	})
}

// Conversation Handlers

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	conversations, err := s.store.ListConversations(r.Context(), identity.ID)
	if err != nil {
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"conversations": conversations,
	})
}

func (s *Server) handleConversationWith(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	vars := mux.Vars(r)
	otherID, err := uuid.Parse(vars["userID"])
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	if otherID == identity.ID {
		http.Error(w, "Cannot converse with yourself", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetIdentity(r.Context(), otherID); err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	conv, err := s.store.GetOrCreateConversation(r.Context(), identity.ID, otherID)
	if err != nil {
		http.Error(w, "Failed to open conversation", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(conv)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	conv, err := s.store.GetConversation(r.Context(), convID)
	if err != nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if !conv.HasParticipant(identity.ID) {
		http.Error(w, "Not a participant of this conversation", http.StatusForbidden)
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 50, 1, 200)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0, 0, 1<<30)

	messages, err := s.store.GetMessages(r.Context(), convID, limit, offset)
	if err != nil {
		http.Error(w, "Failed to get messages", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"messages": messages,
	})
}

// handleSendMessage is the REST fallback to the send_envelope websocket frame.
// It runs the same relay pipeline, so offline senders still get durable
// storage and recipient fan-out.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	vars := mux.Vars(r)
	convID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Ciphertext            []byte `json:"ciphertext"`
		Nonce                 []byte `json:"nonce"`
		Signature             []byte `json:"signature"`
		EncryptedKeySender    []byte `json:"encrypted_key_sender"`
		EncryptedKeyRecipient []byte `json:"encrypted_key_recipient"`
		CipherSuite           string `json:"cipher_suite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	env := &envelope.Envelope{
		Ciphertext:            req.Ciphertext,
		Nonce:                 req.Nonce,
		Signature:             req.Signature,
		EncryptedKeySender:    req.EncryptedKeySender,
		EncryptedKeyRecipient: req.EncryptedKeyRecipient,
		CipherSuite:           envelope.Suite(req.CipherSuite),
	}

	msg, receipt, err := s.gateway.SendEnvelope(r.Context(), identity.ID, convID, env)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, gateway.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, gateway.ErrConversationNotFound):
			status = http.StatusNotFound
		case errors.Is(err, gateway.ErrNotParticipant):
			status = http.StatusForbidden
		case errors.Is(err, gateway.ErrEnvelopeInvalid), errors.Is(err, gateway.ErrCertificateInactive):
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message_id": msg.ID,
		"created_at": msg.CreatedAt,
		"receipt":    receipt,
	})
}

// Attachment Handlers

func (s *Server) handleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		http.Error(w, "Attachments not configured", http.StatusServiceUnavailable)
		return
	}
	identity := identityFrom(r)

	var req struct {
		ConversationID uuid.UUID `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	conv, err := s.store.GetConversation(r.Context(), req.ConversationID)
	if err != nil || !conv.HasParticipant(identity.ID) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	grant, err := s.attachments.GrantUpload(r.Context(), conv.ID)
	if err != nil {
		http.Error(w, "Failed to generate upload URL", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(grant)
}

func (s *Server) handleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		http.Error(w, "Attachments not configured", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		StorageKey string `json:"storage_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StorageKey == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	grant, err := s.attachments.GrantDownload(r.Context(), req.StorageKey)
	if err != nil {
		http.Error(w, "Failed to generate download URL", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(grant)
}

// WebSocket Handler

// handleWebSocket authenticates via the token query parameter, upgrades, and
// hands the connection to the gateway.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	identity, err := s.authService.Authenticate(r.Context(), token)
	if errors.Is(err, auth.ErrSessionStoreDown) {
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Failed to upgrade to WebSocket: %v", err)
		return
	}

	s.gateway.HandleConnection(conn, identity)
}

func parseIntDefault(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}
