package protocol

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Token is one authorized client credential: a human-readable name plus
// an opaque secret drawn from the alphabet A-Za-z0-9_=-.
type Token struct {
	Name   string
	Secret string
}

// TokenAuth matches incoming request tokens against a configured set,
// comparing in constant time so token length and content never leak
// through response latency.
type TokenAuth struct {
	hashes map[string][32]byte
}

// NewTokenAuth builds a TokenAuth over the given tokens.
func NewTokenAuth(tokens []Token) *TokenAuth {
	a := &TokenAuth{hashes: make(map[string][32]byte, len(tokens))}
	for _, t := range tokens {
		a.hashes[t.Name] = sha256.Sum256([]byte(t.Secret))
	}
	return a
}

// Check reports whether secret matches any configured token.
func (a *TokenAuth) Check(secret string) bool {
	if a == nil || len(a.hashes) == 0 {
		return false
	}
	got := sha256.Sum256([]byte(secret))
	for _, want := range a.hashes {
		if subtle.ConstantTimeCompare(got[:], want[:]) == 1 {
			return true
		}
	}
	return false
}

// Server is the HTTP(S) transport for the client wire protocol: every
// request is a POST of a versioned UpEnvelope, authenticated by a
// bearer token, answered with a versioned DownEnvelope.
type Server struct {
	Dispatcher *Dispatcher
	Auth       *TokenAuth

	// ReturnErrorMessages controls whether a failed dispatch's detail
	// string is revealed to the client or replaced with a generic
	// message.
	ReturnErrorMessages bool

	httpServer *http.Server
}

// NewServer constructs a Server bound to addr. Whether it serves TLS or
// plain TCP is decided by the tls.Config passed to ListenAndServe.
func NewServer(addr string, dispatcher *Dispatcher, auth *TokenAuth) *Server {
	s := &Server{Dispatcher: dispatcher, Auth: auth}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the server, serving TLS if cert is configured.
func (s *Server) ListenAndServe(tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		s.httpServer.TLSConfig = tlsConfig
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

const maxRequestBody = 16 << 20 // 16 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.Auth.Check(bearerToken(r)) {
		s.writeDown(w, http.StatusUnauthorized, errorMessage("AuthError", "missing or invalid token"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		s.writeDown(w, http.StatusBadRequest, errorMessage(CodeProtocolError, "failed to read request body"))
		return
	}
	if len(body) > maxRequestBody {
		s.writeDown(w, http.StatusRequestEntityTooLarge, errorMessage(CodeProtocolError, "request body too large"))
		return
	}

	var env UpEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.writeDown(w, http.StatusBadRequest, s.protocolError(err))
		return
	}

	down, err := s.Dispatcher.Dispatch(r.Context(), env.Message)
	if err != nil {
		s.writeDown(w, http.StatusInternalServerError, s.protocolError(err))
		return
	}
	s.writeDown(w, http.StatusOK, down)
}

// protocolError redacts the underlying detail unless ReturnErrorMessages
// is set.
func (s *Server) protocolError(err error) DownMessage {
	detail := "internal error"
	if s.ReturnErrorMessages {
		detail = err.Error()
	}
	return errorMessage(CodeProtocolError, detail)
}

func (s *Server) writeDown(w http.ResponseWriter, status int, msg DownMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(DownEnvelope{Message: msg})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.Header.Get("X-Targetflow-Token")
}

// LoadTLSConfig builds a tls.Config from a cert/key pair, or returns nil
// (meaning "serve plain TCP") if either path is empty.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("protocol: load TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
