// Package auth manages the Kiro credential lifecycle: loading credentials
// from the kiro-cli SQLite store, a JSON file, or explicit config, refreshing
// access tokens via Kiro Desktop or AWS SSO OIDC, and serialising concurrent
// refreshes through a single flight.
package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"kiro-gateway/config"
	"kiro-gateway/utils"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// Credential errors.
var (
	ErrMissingRefreshToken      = errors.New("refresh token is not set")
	ErrMissingAccessToken       = errors.New("refresh response does not contain an access token")
	ErrMissingClientCredentials = errors.New("client id and secret are required for AWS SSO OIDC")
)

// Type is the detected authentication protocol.
type Type int

const (
	TypeKiroDesktop Type = iota
	TypeAWSSSOOIDC
)

func (t Type) String() string {
	if t == TypeAWSSSOOIDC {
		return "aws_sso_oidc"
	}
	return "kiro_desktop"
}

// kiro-cli auth_kv keys, searched in priority order.
var (
	sqliteTokenKeys = []string{
		"kirocli:social:token",
		"kirocli:odic:token",
		"codewhisperer:odic:token",
	}
	sqliteRegistrationKeys = []string{
		"kirocli:odic:device-registration",
		"codewhisperer:odic:device-registration",
	}
)

// tokenRecord is the token payload stored in the kiro-cli database.
type tokenRecord struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ProfileArn   string   `json:"profile_arn"`
	Region       string   `json:"region"`
	ExpiresAt    string   `json:"expires_at"`
	Scopes       []string `json:"scopes"`
}

// registrationRecord is the device registration payload for AWS SSO OIDC.
type registrationRecord struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
}

// fileCredentials is the JSON credentials file layout.
type fileCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn"`
	Region       string `json:"region"`
	ExpiresAt    string `json:"expiresAt"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// Manager owns the token pair. All other components receive tokens as opaque
// strings on demand.
type Manager struct {
	cfg *config.Config

	mu sync.RWMutex

	refreshToken string
	accessToken  string
	expiresAt    time.Time
	profileArn   string

	// AWS SSO OIDC
	clientID     string
	clientSecret string
	scopes       []string
	ssoRegion    string

	authType Type

	credsFile      string
	sqliteDB       string
	sqliteTokenKey string

	apiHost     string
	qHost       string
	refreshURL  string
	fingerprint string

	httpClient *http.Client

	flight singleflight.Group
}

// NewManager builds a manager from config and loads credentials with the
// precedence SQLite store > JSON file > explicit config fields.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:          cfg,
		refreshToken: cfg.RefreshToken,
		profileArn:   cfg.ProfileArn,
		credsFile:    cfg.KiroCredsFile,
		sqliteDB:     cfg.KiroCLIDBFile,
		apiHost:      cfg.KiroAPIHost(),
		qHost:        cfg.KiroQHost(),
		refreshURL:   cfg.KiroRefreshURL(),
		fingerprint:  utils.GenerateFingerprint(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}

	if m.sqliteDB != "" {
		m.loadFromSQLite()
	} else if m.credsFile != "" {
		m.loadFromFile()
	}

	m.detectAuthType()

	log.Infof("Auth manager initialized: api_host=%s, auth_type=%s", m.apiHost, m.authType)
	return m
}

// detectAuthType runs at construction and after any credential load.
func (m *Manager) detectAuthType() {
	if m.clientID != "" && m.clientSecret != "" {
		m.authType = TypeAWSSSOOIDC
	} else {
		m.authType = TypeKiroDesktop
	}
}

func (m *Manager) loadFromSQLite() {
	path := utils.ExpandPath(m.sqliteDB)
	if _, err := os.Stat(path); err != nil {
		log.Warnf("kiro-cli database not found: %s", m.sqliteDB)
		return
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		log.Errorf("Failed to open kiro-cli database: %v", err)
		return
	}
	defer db.Close()

	for _, key := range sqliteTokenKeys {
		var value string
		if err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", key).Scan(&value); err != nil {
			continue
		}
		var rec tokenRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			log.Warnf("Malformed token record under %s: %v", key, err)
			continue
		}
		m.sqliteTokenKey = key
		if rec.AccessToken != "" {
			m.accessToken = rec.AccessToken
		}
		if rec.RefreshToken != "" {
			m.refreshToken = rec.RefreshToken
		}
		if rec.ProfileArn != "" {
			m.profileArn = rec.ProfileArn
		}
		if rec.Region != "" {
			// SSO region drives only the OIDC endpoint; the API region stays pinned.
			m.ssoRegion = rec.Region
		}
		if len(rec.Scopes) > 0 {
			m.scopes = rec.Scopes
		}
		if t, err := parseExpiry(rec.ExpiresAt); err == nil {
			m.expiresAt = t
		}
		break
	}

	for _, key := range sqliteRegistrationKeys {
		var value string
		if err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", key).Scan(&value); err != nil {
			continue
		}
		var rec registrationRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			log.Warnf("Malformed device registration under %s: %v", key, err)
			continue
		}
		if rec.ClientID != "" {
			m.clientID = rec.ClientID
		}
		if rec.ClientSecret != "" {
			m.clientSecret = rec.ClientSecret
		}
		if rec.Region != "" && m.ssoRegion == "" {
			m.ssoRegion = rec.Region
		}
		break
	}

	log.Infof("Credentials loaded from kiro-cli database: %s", m.sqliteDB)
}

func (m *Manager) loadFromFile() {
	path := utils.ExpandPath(m.credsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("Credentials file not readable: %s", m.credsFile)
		return
	}

	var creds fileCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		log.Errorf("Error parsing credentials file: %v", err)
		return
	}

	if creds.RefreshToken != "" {
		m.refreshToken = creds.RefreshToken
	}
	if creds.AccessToken != "" {
		m.accessToken = creds.AccessToken
	}
	if creds.ProfileArn != "" {
		m.profileArn = creds.ProfileArn
	}
	if creds.Region != "" {
		m.ssoRegion = creds.Region
	}
	if creds.ClientID != "" {
		m.clientID = creds.ClientID
	}
	if creds.ClientSecret != "" {
		m.clientSecret = creds.ClientSecret
	}
	if t, err := parseExpiry(creds.ExpiresAt); err == nil {
		m.expiresAt = t
	}

	log.Infof("Credentials loaded from %s", m.credsFile)
}

// isExpiringSoon reports whether the token is absent, expired, or inside the
// refresh-ahead window. Times compare in UTC.
func (m *Manager) isExpiringSoon() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isExpiringSoonLocked()
}

func (m *Manager) isExpiringSoonLocked() bool {
	if m.accessToken == "" || m.expiresAt.IsZero() {
		return true
	}
	threshold := time.Duration(m.cfg.TokenRefreshThreshold) * time.Second
	return !time.Now().UTC().Add(threshold).Before(m.expiresAt.UTC())
}

// GetAccessToken returns a token that is not expiring within the refresh
// threshold. Concurrent callers over a stale token share one refresh request.
func (m *Manager) GetAccessToken() (string, error) {
	if !m.isExpiringSoon() {
		m.mu.RLock()
		token := m.accessToken
		m.mu.RUnlock()
		return token, nil
	}
	return m.refreshShared(false)
}

// ForceRefresh unconditionally refreshes and returns the new token.
// Concurrent forced refreshes still collapse into one network call.
func (m *Manager) ForceRefresh() (string, error) {
	return m.refreshShared(true)
}

func (m *Manager) refreshShared(force bool) (string, error) {
	v, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		// Double-check inside the flight: a caller that queued behind a
		// finished refresh should not trigger another one.
		if !force {
			m.mu.RLock()
			fresh := !m.isExpiringSoonLocked()
			token := m.accessToken
			m.mu.RUnlock()
			if fresh {
				return token, nil
			}
		}
		return m.doRefresh()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh() (string, error) {
	m.mu.RLock()
	authType := m.authType
	m.mu.RUnlock()

	var err error
	if authType == TypeAWSSSOOIDC {
		err = m.refreshAWSSSOOIDC()
	} else {
		err = m.refreshKiroDesktop()
	}
	if err != nil {
		return "", err
	}

	m.persistCredentials()

	m.mu.RLock()
	token := m.accessToken
	m.mu.RUnlock()
	return token, nil
}

// refreshKiroDesktop refreshes through the Kiro Desktop endpoint with a JSON
// body {refreshToken}.
func (m *Manager) refreshKiroDesktop() error {
	m.mu.RLock()
	refreshToken := m.refreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		return ErrMissingRefreshToken
	}

	log.Info("Refreshing Kiro token via Kiro Desktop Auth")

	body, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	req, err := http.NewRequest(http.MethodPost, m.refreshURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiro-Fingerprint", m.fingerprint)
	req.Header.Set("User-Agent", "KiroGateway/"+config.AppVersion)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.AccessToken == "" {
		return ErrMissingAccessToken
	}

	m.mu.Lock()
	m.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		m.refreshToken = result.RefreshToken
	}
	if result.ProfileArn != "" {
		m.profileArn = result.ProfileArn
	}
	m.expiresAt = time.Now().UTC().Add(time.Duration(result.ExpiresIn) * time.Second)
	expiresAt := m.expiresAt
	m.mu.Unlock()

	log.Infof("Token refreshed via Kiro Desktop Auth, expires: %s", expiresAt.Format(time.RFC3339))
	return nil
}

// refreshAWSSSOOIDC refreshes through oidc.{ssoRegion}.amazonaws.com/token
// with a form-urlencoded body. Scopes must not be sent: including a scope
// field makes the endpoint reject the request with invalid_request.
func (m *Manager) refreshAWSSSOOIDC() error {
	m.mu.RLock()
	refreshToken := m.refreshToken
	clientID := m.clientID
	clientSecret := m.clientSecret
	ssoRegion := m.ssoRegion
	m.mu.RUnlock()

	if refreshToken == "" {
		return ErrMissingRefreshToken
	}
	if clientID == "" || clientSecret == "" {
		return ErrMissingClientCredentials
	}

	if ssoRegion == "" {
		ssoRegion = m.cfg.Region
	}
	refreshURL := m.cfg.AWSSSOOIDCURL(ssoRegion)

	log.Infof("Refreshing Kiro token via AWS SSO OIDC (sso_region=%s)", ssoRegion)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequest(http.MethodPost, refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(data))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.AccessToken == "" {
		return ErrMissingAccessToken
	}

	m.mu.Lock()
	m.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		m.refreshToken = result.RefreshToken
	}
	m.expiresAt = time.Now().UTC().Add(time.Duration(result.ExpiresIn) * time.Second)
	expiresAt := m.expiresAt
	m.mu.Unlock()

	log.Infof("Token refreshed via AWS SSO OIDC, expires: %s", expiresAt.Format(time.RFC3339))
	return nil
}

// persistCredentials writes the refreshed pair back to the source it came from.
func (m *Manager) persistCredentials() {
	if m.sqliteDB != "" {
		m.saveToSQLite()
	} else if m.credsFile != "" {
		m.saveToFile()
	}
}

func (m *Manager) saveToSQLite() {
	path := utils.ExpandPath(m.sqliteDB)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		log.Errorf("Failed to open kiro-cli database for writing: %v", err)
		return
	}
	defer db.Close()

	m.mu.RLock()
	rec := tokenRecord{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		ProfileArn:   m.profileArn,
		Region:       m.ssoRegion,
		ExpiresAt:    m.expiresAt.UTC().Format(time.RFC3339),
		Scopes:       m.scopes,
	}
	tokenKey := m.sqliteTokenKey
	m.mu.RUnlock()

	value, _ := json.Marshal(rec)

	keys := sqliteTokenKeys
	if tokenKey != "" {
		keys = append([]string{tokenKey}, keys...)
	}
	for _, key := range keys {
		result, err := db.Exec("UPDATE auth_kv SET value = ? WHERE key = ?", string(value), key)
		if err != nil {
			continue
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			log.Debugf("Credentials saved to kiro-cli key: %s", key)
			return
		}
	}
	log.Warn("Failed to save credentials: no matching kiro-cli keys")
}

func (m *Manager) saveToFile() {
	path := utils.ExpandPath(m.credsFile)

	existing := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &existing)
	}

	m.mu.RLock()
	existing["accessToken"] = m.accessToken
	existing["refreshToken"] = m.refreshToken
	if !m.expiresAt.IsZero() {
		existing["expiresAt"] = m.expiresAt.UTC().Format(time.RFC3339)
	}
	if m.profileArn != "" {
		existing["profileArn"] = m.profileArn
	}
	m.mu.RUnlock()

	data, _ := json.MarshalIndent(existing, "", "  ")
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.Errorf("Error saving credentials: %v", err)
		return
	}
	log.Debugf("Credentials saved to %s", m.credsFile)
}

// Read-only accessors.
func (m *Manager) AuthType() Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authType
}

func (m *Manager) ProfileArn() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profileArn
}

func (m *Manager) APIHost() string     { return m.apiHost }
func (m *Manager) QHost() string       { return m.qHost }
func (m *Manager) Fingerprint() string { return m.fingerprint }

func parseExpiry(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty expiry")
	}
	if strings.HasSuffix(s, "Z") {
		s = s[:len(s)-1] + "+00:00"
	}
	return time.Parse(time.RFC3339, s)
}
