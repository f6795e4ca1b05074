package auth

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kiro-gateway/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, _ := config.Load()
	return cfg
}

func writeCredsFile(t *testing.T, creds map[string]interface{}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.json")
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Run("kiro desktop credentials", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.KiroCredsFile = writeCredsFile(t, map[string]interface{}{
			"accessToken":  "at-1",
			"refreshToken": "rt-1",
			"profileArn":   "arn:aws:test",
			"expiresAt":    time.Now().UTC().Add(2 * time.Hour).Format(time.RFC3339),
		})

		m := NewManager(cfg)

		assert.Equal(t, TypeKiroDesktop, m.AuthType())
		assert.Equal(t, "arn:aws:test", m.ProfileArn())
		assert.Equal(t, "at-1", m.accessToken)
		assert.Equal(t, "rt-1", m.refreshToken)
		assert.False(t, m.isExpiringSoon())
	})

	t.Run("client credentials switch to OIDC", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.KiroCredsFile = writeCredsFile(t, map[string]interface{}{
			"refreshToken": "rt-1",
			"clientId":     "cid",
			"clientSecret": "csec",
			"region":       "eu-west-1",
		})

		m := NewManager(cfg)

		assert.Equal(t, TypeAWSSSOOIDC, m.AuthType())
		assert.Equal(t, "eu-west-1", m.ssoRegion)
		// The API host stays pinned to the configured region.
		assert.Equal(t, "https://codewhisperer.us-east-1.amazonaws.com", m.APIHost())
	})

	t.Run("missing file tolerated", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.KiroCredsFile = "/nonexistent/creds.json"
		cfg.RefreshToken = "from-env"

		m := NewManager(cfg)
		assert.Equal(t, "from-env", m.refreshToken)
	})
}

func TestLoadFromSQLite(t *testing.T) {
	newDB := func(t *testing.T) (string, *sql.DB) {
		t.Helper()
		path := filepath.Join(t.TempDir(), "data.sqlite3")
		db, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		_, err = db.Exec(`CREATE TABLE auth_kv (key TEXT PRIMARY KEY, value TEXT)`)
		require.NoError(t, err)
		return path, db
	}

	t.Run("social token record", func(t *testing.T) {
		path, db := newDB(t)
		token, _ := json.Marshal(map[string]interface{}{
			"access_token":  "at-sql",
			"refresh_token": "rt-sql",
			"expires_at":    time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		})
		_, err := db.Exec(`INSERT INTO auth_kv (key, value) VALUES (?, ?)`, "kirocli:social:token", string(token))
		require.NoError(t, err)
		db.Close()

		cfg := testConfig(t)
		cfg.KiroCLIDBFile = path
		m := NewManager(cfg)

		assert.Equal(t, "at-sql", m.accessToken)
		assert.Equal(t, "rt-sql", m.refreshToken)
		assert.Equal(t, TypeKiroDesktop, m.AuthType())
	})

	t.Run("device registration enables OIDC", func(t *testing.T) {
		path, db := newDB(t)
		token, _ := json.Marshal(map[string]interface{}{
			"access_token":  "at-sql",
			"refresh_token": "rt-sql",
			"region":        "ap-southeast-2",
		})
		reg, _ := json.Marshal(map[string]interface{}{
			"client_id":     "cid-sql",
			"client_secret": "csec-sql",
			"region":        "ap-southeast-2",
		})
		_, err := db.Exec(`INSERT INTO auth_kv (key, value) VALUES (?, ?)`, "kirocli:odic:token", string(token))
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO auth_kv (key, value) VALUES (?, ?)`, "kirocli:odic:device-registration", string(reg))
		require.NoError(t, err)
		db.Close()

		cfg := testConfig(t)
		cfg.KiroCLIDBFile = path
		m := NewManager(cfg)

		assert.Equal(t, TypeAWSSSOOIDC, m.AuthType())
		assert.Equal(t, "cid-sql", m.clientID)
		assert.Equal(t, "ap-southeast-2", m.ssoRegion)
	})

	t.Run("malformed record tolerated", func(t *testing.T) {
		path, db := newDB(t)
		_, err := db.Exec(`INSERT INTO auth_kv (key, value) VALUES (?, ?)`, "kirocli:social:token", "not json")
		require.NoError(t, err)
		db.Close()

		cfg := testConfig(t)
		cfg.KiroCLIDBFile = path
		cfg.RefreshToken = "fallback"
		m := NewManager(cfg)

		assert.Equal(t, "fallback", m.refreshToken)
	})
}

func TestIsExpiringSoon(t *testing.T) {
	cfg := testConfig(t)
	cfg.RefreshToken = "rt"
	m := NewManager(cfg)

	t.Run("no access token", func(t *testing.T) {
		assert.True(t, m.isExpiringSoon())
	})

	t.Run("zero expiry", func(t *testing.T) {
		m.accessToken = "at"
		m.expiresAt = time.Time{}
		assert.True(t, m.isExpiringSoon())
	})

	t.Run("inside refresh window", func(t *testing.T) {
		m.accessToken = "at"
		m.expiresAt = time.Now().UTC().Add(5 * time.Minute)
		assert.True(t, m.isExpiringSoon())
	})

	t.Run("comfortably fresh", func(t *testing.T) {
		m.accessToken = "at"
		m.expiresAt = time.Now().UTC().Add(2 * time.Hour)
		assert.False(t, m.isExpiringSoon())
	})
}

func TestRefreshKiroDesktop(t *testing.T) {
	var gotBody map[string]string
	var gotFingerprint string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFingerprint = r.Header.Get("X-Kiro-Fingerprint")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":  "fresh-at",
			"refreshToken": "fresh-rt",
			"expiresIn":    3600,
			"profileArn":   "arn:aws:new",
		})
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.RefreshToken = "rt-old"
	cfg.RefreshURLOverride = server.URL
	m := NewManager(cfg)

	token, err := m.GetAccessToken()
	require.NoError(t, err)

	assert.Equal(t, "fresh-at", token)
	assert.Equal(t, "rt-old", gotBody["refreshToken"])
	assert.Equal(t, "fresh-rt", m.refreshToken)
	assert.Equal(t, "arn:aws:new", m.ProfileArn())
	assert.Len(t, gotFingerprint, 64)
	assert.False(t, m.isExpiringSoon())
}

func TestRefreshKiroDesktopErrors(t *testing.T) {
	t.Run("missing refresh token", func(t *testing.T) {
		cfg := testConfig(t)
		m := NewManager(cfg)

		_, err := m.GetAccessToken()
		assert.ErrorIs(t, err, ErrMissingRefreshToken)
	})

	t.Run("response without access token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"expiresIn": 3600})
		}))
		defer server.Close()

		cfg := testConfig(t)
		cfg.RefreshToken = "rt"
		cfg.RefreshURLOverride = server.URL
		m := NewManager(cfg)

		_, err := m.GetAccessToken()
		assert.ErrorIs(t, err, ErrMissingAccessToken)
	})

	t.Run("upstream error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad refresh token", http.StatusForbidden)
		}))
		defer server.Close()

		cfg := testConfig(t)
		cfg.RefreshToken = "rt"
		cfg.RefreshURLOverride = server.URL
		m := NewManager(cfg)

		_, err := m.GetAccessToken()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
	})
}

func TestRefreshAWSSSOOIDC(t *testing.T) {
	var gotContentType string
	var gotForm map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "oidc-at",
			"refresh_token": "oidc-rt",
			"expires_in":    1800,
		})
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.OIDCURLOverride = server.URL
	cfg.KiroCredsFile = writeCredsFile(t, map[string]interface{}{
		"refreshToken": "rt-sso",
		"clientId":     "cid",
		"clientSecret": "csec",
		"region":       "eu-central-1",
	})
	m := NewManager(cfg)
	require.Equal(t, TypeAWSSSOOIDC, m.AuthType())

	token, err := m.GetAccessToken()
	require.NoError(t, err)

	assert.Equal(t, "oidc-at", token)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, []string{"refresh_token"}, gotForm["grant_type"])
	assert.Equal(t, []string{"cid"}, gotForm["client_id"])
	assert.Equal(t, []string{"csec"}, gotForm["client_secret"])
	assert.Equal(t, []string{"rt-sso"}, gotForm["refresh_token"])

	// Sending scopes makes the OIDC endpoint reject the request.
	assert.NotContains(t, gotForm, "scope")
	assert.NotContains(t, gotForm, "scopes")

	assert.Equal(t, "oidc-rt", m.refreshToken)
}

func TestRefreshAWSSSOOIDCMissingClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.RefreshToken = "rt"
	m := NewManager(cfg)
	m.clientID = "cid"
	m.detectAuthType()
	require.Equal(t, TypeKiroDesktop, m.AuthType())

	m.clientSecret = "csec"
	m.detectAuthType()
	require.Equal(t, TypeAWSSSOOIDC, m.AuthType())

	m.clientSecret = ""
	_, err := m.refreshShared(true)
	assert.ErrorIs(t, err, ErrMissingClientCredentials)
}

func TestSingleFlightRefresh(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": "shared-at",
			"expiresIn":   3600,
		})
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.RefreshToken = "rt"
	cfg.RefreshURLOverride = server.URL
	m := NewManager(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.GetAccessToken()
			assert.NoError(t, err)
			assert.Equal(t, "shared-at", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestForceRefreshBypassesFreshness(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := "second"
		if atomic.AddInt32(&calls, 1) == 1 {
			token = "first"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": token,
			"expiresIn":   3600,
		})
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.RefreshToken = "rt"
	cfg.RefreshURLOverride = server.URL
	m := NewManager(cfg)

	first, err := m.GetAccessToken()
	require.NoError(t, err)
	assert.Equal(t, "first", first)

	// The token is perfectly fresh, but a 403 response demands a new one.
	second, err := m.ForceRefresh()
	require.NoError(t, err)
	assert.Equal(t, "second", second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPersistToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken":  "persisted-at",
			"refreshToken": "persisted-rt",
			"expiresIn":    3600,
		})
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.RefreshURLOverride = server.URL
	path := writeCredsFile(t, map[string]interface{}{
		"refreshToken": "rt-initial",
		"customField":  "keep-me",
	})
	cfg.KiroCredsFile = path
	m := NewManager(cfg)

	_, err := m.GetAccessToken()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &saved))

	assert.Equal(t, "persisted-at", saved["accessToken"])
	assert.Equal(t, "persisted-rt", saved["refreshToken"])
	// Unknown fields in the file survive a save.
	assert.Equal(t, "keep-me", saved["customField"])
}

func TestParseExpiry(t *testing.T) {
	t.Run("RFC3339", func(t *testing.T) {
		ts, err := parseExpiry("2026-01-02T15:04:05+00:00")
		require.NoError(t, err)
		assert.Equal(t, 2026, ts.Year())
	})

	t.Run("Z suffix", func(t *testing.T) {
		ts, err := parseExpiry("2026-01-02T15:04:05Z")
		require.NoError(t, err)
		assert.Equal(t, 15, ts.Hour())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := parseExpiry("")
		assert.Error(t, err)
	})
}
