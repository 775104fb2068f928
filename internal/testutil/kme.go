// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package testutil

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// KME operations, as counted by Calls and targeted by Fail.
const (
	OpStatus  = "status"
	OpEncKeys = "enc_keys"
	OpDecKeys = "dec_keys"
)

// Fake KME defaults
const (
	DefaultKMEKeySize       = 32
	DefaultKMEStored        = 1000
	DefaultKMEMaxPerRequest = 64
)

type kmeFailure struct {
	code    int
	message string
	raw     []byte
}

// KME is an in-process ETSI GS QKD 014 key management entity.
//
// enc_keys issues fresh random keys and remembers them so a second SAE
// can fetch the same material through dec_keys exactly once. Failures
// can be queued per operation, and any operation can be overridden with
// a custom handler.
type KME struct {
	Server *httptest.Server

	mu        sync.Mutex
	keySize   int
	stored    int
	maxPerReq int
	issued    map[string][]byte
	calls     map[string]int
	failures  map[string][]kmeFailure
	overrides map[string]http.HandlerFunc
	peers     []string
	requestID []string
	clientCNs []string
}

// NewKME starts a plain HTTP fake KME issuing keys of keySize bytes
// (DefaultKMEKeySize when zero). It is closed on test cleanup.
func NewKME(t testing.TB, keySize int) *KME {
	t.Helper()
	k := newKME(keySize)
	k.Server = httptest.NewServer(k.routes())
	t.Cleanup(k.Server.Close)
	return k
}

// NewTLSKME starts a fake KME that requires a client certificate signed
// by ca.
func NewTLSKME(t testing.TB, ca *TestCA, keySize int) *KME {
	t.Helper()
	serverCert, err := GenerateTestServerCert(ca)
	if err != nil {
		t.Fatalf("failed to generate KME certificate: %v", err)
	}

	k := newKME(keySize)
	k.Server = httptest.NewUnstartedServer(k.routes())
	k.Server.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverCert.TLSCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca.Pool(),
		MinVersion:   tls.VersionTLS12,
	}
	k.Server.StartTLS()
	t.Cleanup(k.Server.Close)
	return k
}

func newKME(keySize int) *KME {
	if keySize <= 0 {
		keySize = DefaultKMEKeySize
	}
	return &KME{
		keySize:   keySize,
		stored:    DefaultKMEStored,
		maxPerReq: DefaultKMEMaxPerRequest,
		issued:    make(map[string][]byte),
		calls:     make(map[string]int),
		failures:  make(map[string][]kmeFailure),
		overrides: make(map[string]http.HandlerFunc),
	}
}

// URL returns the base URL of the fake KME.
func (k *KME) URL() string {
	return k.Server.URL
}

// SetStored sets the number of keys the KME can still deliver.
func (k *KME) SetStored(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stored = n
}

// Stored returns the number of keys the KME can still deliver.
func (k *KME) Stored() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stored
}

// SetMaxKeysPerRequest sets the reported and enforced per-request cap.
func (k *KME) SetMaxKeysPerRequest(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.maxPerReq = n
}

// Fail queues times error responses for op with the given status code
// and ETSI error message.
func (k *KME) Fail(op string, times, code int, message string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := 0; i < times; i++ {
		k.failures[op] = append(k.failures[op], kmeFailure{code: code, message: message})
	}
}

// FailRaw queues one response for op with a raw body.
func (k *KME) FailRaw(op string, code int, body []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failures[op] = append(k.failures[op], kmeFailure{code: code, raw: body})
}

// Handle replaces the handler for op. A nil handler restores the default.
func (k *KME) Handle(op string, h http.HandlerFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if h == nil {
		delete(k.overrides, op)
		return
	}
	k.overrides[op] = h
}

// Calls returns how many requests op received, failures included.
func (k *KME) Calls(op string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[op]
}

// Issued returns a copy of the material issued under id and whether it
// is still retrievable through dec_keys.
func (k *KME) Issued(id string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	material, ok := k.issued[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), material...), true
}

// Peers returns the SAE IDs named in request paths, in order.
func (k *KME) Peers() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.peers...)
}

// RequestIDs returns the X-Request-ID header of each request, in order.
func (k *KME) RequestIDs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.requestID...)
}

// ClientCNs returns the client certificate common names seen over TLS.
func (k *KME) ClientCNs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.clientCNs...)
}

func (k *KME) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/keys/{sae}", func(r chi.Router) {
		r.Get("/status", k.wrap(OpStatus, k.handleStatus))
		r.Post("/enc_keys", k.wrap(OpEncKeys, k.handleEncKeys))
		r.Post("/dec_keys", k.wrap(OpDecKeys, k.handleDecKeys))
	})
	return r
}

// wrap counts the request, then serves a queued failure, an override or
// the default handler, in that order.
func (k *KME) wrap(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k.mu.Lock()
		k.calls[op]++
		k.peers = append(k.peers, chi.URLParam(r, "sae"))
		k.requestID = append(k.requestID, r.Header.Get("X-Request-ID"))
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			k.clientCNs = append(k.clientCNs, r.TLS.PeerCertificates[0].Subject.CommonName)
		}
		var failure *kmeFailure
		if queue := k.failures[op]; len(queue) > 0 {
			failure = &queue[0]
			k.failures[op] = queue[1:]
		}
		override := k.overrides[op]
		k.mu.Unlock()

		switch {
		case failure != nil && failure.raw != nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failure.code)
			_, _ = w.Write(failure.raw)
		case failure != nil:
			writeKMEError(w, failure.code, failure.message)
		case override != nil:
			override(w, r)
		default:
			next(w, r)
		}
	}
}

func (k *KME) handleStatus(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	status := map[string]any{
		"source_KME_ID":       "kme-a",
		"target_KME_ID":       "kme-b",
		"master_SAE_ID":       "sae-a",
		"slave_SAE_ID":        chi.URLParam(r, "sae"),
		"key_size":            k.keySize * 8,
		"stored_key_count":    k.stored,
		"max_key_count":       DefaultKMEStored,
		"max_key_per_request": k.maxPerReq,
		"max_key_size":        k.keySize * 8,
		"min_key_size":        k.keySize * 8,
		"max_SAE_ID_count":    0,
	}
	k.mu.Unlock()
	writeKMEJSON(w, http.StatusOK, status)
}

func (k *KME) handleEncKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number int `json:"number"`
		Size   int `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKMEError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Number <= 0 {
		req.Number = 1
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if req.Size != 0 && req.Size != k.keySize*8 {
		writeKMEError(w, http.StatusBadRequest, "requested size is not supported")
		return
	}
	if req.Number > k.maxPerReq {
		writeKMEError(w, http.StatusBadRequest, "number exceeds max_key_per_request")
		return
	}
	if k.stored <= 0 {
		writeKMEError(w, http.StatusServiceUnavailable, "no key material available")
		return
	}

	n := min(req.Number, k.stored)
	container := keyContainer{Keys: make([]keyEntry, 0, n)}
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		material := make([]byte, k.keySize)
		_, _ = rand.Read(material)
		k.issued[id] = material
		container.Keys = append(container.Keys, keyEntry{KeyID: id, Key: base64.StdEncoding.EncodeToString(material)})
	}
	k.stored -= n
	writeKMEJSON(w, http.StatusOK, container)
}

func (k *KME) handleDecKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyIDs []struct {
			KeyID string `json:"key_ID"`
		} `json:"key_IDs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.KeyIDs) == 0 {
		writeKMEError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, ref := range req.KeyIDs {
		if _, ok := k.issued[ref.KeyID]; !ok {
			writeKMEError(w, http.StatusBadRequest, "key_ID "+ref.KeyID+" not found")
			return
		}
	}

	container := keyContainer{Keys: make([]keyEntry, 0, len(req.KeyIDs))}
	for _, ref := range req.KeyIDs {
		container.Keys = append(container.Keys, keyEntry{
			KeyID: ref.KeyID,
			Key:   base64.StdEncoding.EncodeToString(k.issued[ref.KeyID]),
		})
		delete(k.issued, ref.KeyID)
	}
	writeKMEJSON(w, http.StatusOK, container)
}

type keyEntry struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

type keyContainer struct {
	Keys []keyEntry `json:"keys"`
}

// WriteKeyContainer writes an ETSI key container holding the given raw
// keys, for custom handlers.
func WriteKeyContainer(w http.ResponseWriter, keys map[string][]byte) {
	container := keyContainer{Keys: make([]keyEntry, 0, len(keys))}
	for id, material := range keys {
		container.Keys = append(container.Keys, keyEntry{KeyID: id, Key: base64.StdEncoding.EncodeToString(material)})
	}
	writeKMEJSON(w, http.StatusOK, container)
}

func writeKMEJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeKMEError(w http.ResponseWriter, code int, message string) {
	writeKMEJSON(w, code, map[string]string{"message": message})
}
