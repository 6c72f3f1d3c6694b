package core

import (
	"corsrules/logger"
	"corsrules/models"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	stdlog "log"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
)

// RuleMatcher finds the engine rule governing a request.
type RuleMatcher interface {
	Match(initiatorHost, requestURL, resourceType string) (models.EngineRule, bool)
}

var fetchDestTypes = map[string]string{
	"document":      models.ResourceMainFrame,
	"iframe":        models.ResourceSubFrame,
	"frame":         models.ResourceSubFrame,
	"style":         models.ResourceStylesheet,
	"script":        models.ResourceScript,
	"worker":        models.ResourceScript,
	"sharedworker":  models.ResourceScript,
	"serviceworker": models.ResourceScript,
	"image":         models.ResourceImage,
	"font":          models.ResourceFont,
	"object":        models.ResourceObject,
	"embed":         models.ResourceObject,
	"empty":         models.ResourceXMLHTTPRequest,
	"audio":         models.ResourceMedia,
	"video":         models.ResourceMedia,
	"track":         models.ResourceMedia,
	"report":        models.ResourceCSPReport,
	"webbundle":     models.ResourceWebBundle,
	"manifest":      models.ResourceOther,
	"paintworklet":  models.ResourceScript,
	"audioworklet":  models.ResourceScript,
	"xslt":          models.ResourceOther,
	"webidentity":   models.ResourceOther,
	"json":          models.ResourceXMLHTTPRequest,
	"sharedstorage": models.ResourceOther,
}

// ResourceTypeOf classifies r the way the engine's resourceTypes condition expects.
func ResourceTypeOf(r *http.Request) string {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return models.ResourceWebSocket
	}
	if t, ok := fetchDestTypes[strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))]; ok {
		return t
	}
	if r.Header.Get("Origin") != "" || r.Header.Get("X-Requested-With") != "" {
		return models.ResourceXMLHTTPRequest
	}
	return models.ResourceOther
}

// InitiatorHost returns the hostname of the page that issued r, from its
// Origin header or, failing that, its Referer.
func InitiatorHost(r *http.Request) string {
	for _, h := range []string{"Origin", "Referer"} {
		v := r.Header.Get(h)
		if v == "" || v == "null" {
			continue
		}
		u, err := url.Parse(v)
		if err != nil || u.Hostname() == "" {
			continue
		}
		return strings.ToLower(u.Hostname())
	}
	return ""
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// EnforceResponse applies the matching rule's header actions to resp and
// turns failed preflights into 204 responses. Requests no rule governs are
// passed through untouched.
func EnforceResponse(m RuleMatcher, req *http.Request, resp *http.Response) *http.Response {
	resp, _, _ = enforce(m, req, resp)
	return resp
}

// enforce is EnforceResponse that also describes what it did.
func enforce(m RuleMatcher, req *http.Request, resp *http.Response) (*http.Response, models.EnforcementLogEntry, bool) {
	var entry models.EnforcementLogEntry
	if resp == nil || req == nil || req.URL == nil {
		return resp, entry, false
	}
	initiator := InitiatorHost(req)
	if initiator == "" {
		return resp, entry, false
	}
	resourceType := ResourceTypeOf(req)
	rule, ok := m.Match(initiator, req.URL.String(), resourceType)
	if !ok {
		return resp, entry, false
	}
	ApplyHeaders(rule, resp.Header)

	preflight := isPreflight(req)
	if preflight && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		logger.ProxyDebug("Preflight for %s answered upstream with %d, replacing with 204", req.URL, resp.StatusCode)
		if resp.Body != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		resp.StatusCode = http.StatusNoContent
		resp.Status = "204 No Content"
		resp.Body = http.NoBody
		resp.ContentLength = 0
		resp.Header.Del("Content-Length")
		resp.Header.Del("Content-Type")
	}
	logger.ProxyInfo("RESP: rule %d applied for %s %s (initiator %s)", rule.ID, req.Method, req.URL, initiator)

	entry = models.EnforcementLogEntry{
		Timestamp:    time.Now().UnixMilli(),
		RuleID:       rule.ID,
		Initiator:    initiator,
		Method:       req.Method,
		URL:          req.URL.String(),
		ResourceType: resourceType,
		StatusCode:   resp.StatusCode,
		Preflight:    preflight,
	}
	return resp, entry, true
}

// NewEnforcementProxy returns a proxy that rewrites CORS response headers
// according to m. When ca is non-nil HTTPS traffic is intercepted. Rewritten
// responses are recorded in log when it is non-nil.
func NewEnforcementProxy(m RuleMatcher, ca *tls.Certificate, log EnforcementLog) *goproxy.ProxyHttpServer {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = stdlog.New(io.Discard, "", 0)

	if ca != nil {
		tlsConfig := goproxy.TLSConfigFromCA(ca)
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			logger.ProxyDebug("HandleConnect for session %d, host %s", ctx.Session, host)
			return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: tlsConfig}, host
		}))
	}

	proxy.OnResponse().DoFunc(
		func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
			if resp == nil {
				logger.ProxyError("RESP: Nil response for %s %s", ctx.Req.Method, ctx.Req.URL.String())
				return resp
			}
			resp, entry, applied := enforce(m, ctx.Req, resp)
			if applied && log != nil {
				if _, err := log.Record(ctx.Req.Context(), entry); err != nil {
					logger.ProxyError("RESP: could not record enforcement of rule %d: %v", entry.RuleID, err)
				}
			}
			return resp
		})
	return proxy
}

// NewMitmServer loads the CA and returns an unstarted server for the enforcement proxy.
func NewMitmServer(addr, caCertPath, caKeyPath string, m RuleMatcher, log EnforcementLog) (*http.Server, error) {
	ca, err := LoadCA(caCertPath, caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load CA certificate/key: %w. Please run 'proxy init-ca' or check config", err)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           NewEnforcementProxy(m, ca, log),
		ReadHeaderTimeout: 30 * time.Second,
	}, nil
}

func GenerateAndSaveCA(certPath, keyPath string) error {
	localCaCert, localCaKey, err := generateCA("corsrules Proxy CA")
	if err != nil {
		logger.Error("Failed to generate CA: %v", err)
		return fmt.Errorf("failed to generate CA: %w", err)
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		logger.Error("Failed to open %s for writing: %v", certPath, err)
		return fmt.Errorf("failed to open %s for writing: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: localCaCert.Raw}); err != nil {
		logger.Error("Failed to write CA certificate to %s: %v", certPath, err)
		return fmt.Errorf("failed to write CA certificate to %s: %w", certPath, err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		logger.Error("Failed to open %s for writing: %v", keyPath, err)
		return fmt.Errorf("failed to open %s for writing: %w", keyPath, err)
	}
	defer keyOut.Close()

	privBytes, err := x509.MarshalPKCS8PrivateKey(localCaKey)
	if err != nil {
		return fmt.Errorf("failed to marshal CA private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		logger.Error("Failed to write CA private key to %s: %v", keyPath, err)
		return fmt.Errorf("failed to write CA private key to %s: %w", keyPath, err)
	}
	logger.Info("CA certificate saved to %s, key saved to %s", certPath, keyPath)
	return nil
}

// LoadCA reads a PEM certificate and RSA key pair written by GenerateAndSaveCA.
func LoadCA(certPath, keyPath string) (*tls.Certificate, error) {
	certPEMBlock, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file %s: %w", certPath, err)
	}
	certDERBlock, _ := pem.Decode(certPEMBlock)
	if certDERBlock == nil || certDERBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM block from %s", certPath)
	}
	caCert, err := x509.ParseCertificate(certDERBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate from %s: %w", certPath, err)
	}

	keyPEMBlock, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file %s: %w", keyPath, err)
	}
	keyDERBlock, _ := pem.Decode(keyPEMBlock)
	if keyDERBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM block from %s", keyPath)
	}

	var parsedKey interface{}
	switch keyDERBlock.Type {
	case "PRIVATE KEY":
		parsedKey, err = x509.ParsePKCS8PrivateKey(keyDERBlock.Bytes)
	case "RSA PRIVATE KEY":
		parsedKey, err = x509.ParsePKCS1PrivateKey(keyDERBlock.Bytes)
	default:
		return nil, fmt.Errorf("unknown CA key PEM block type '%s' from %s", keyDERBlock.Type, keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key from %s (type %s): %w", keyPath, keyDERBlock.Type, err)
	}
	caKey, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key from %s is not an RSA private key", keyPath)
	}

	logger.ProxyInfo("CA certificate and key loaded successfully.")
	return &tls.Certificate{
		Certificate: [][]byte{caCert.Raw},
		PrivateKey:  caKey,
		Leaf:        caCert,
	}, nil
}

func generateCA(commonName string) (*x509.Certificate, *rsa.PrivateKey, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"corsrules Development CA"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return cert, privKey, nil
}
