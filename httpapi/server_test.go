package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/auth"
	"github.com/certmill/certmill/dbopen"
	"github.com/certmill/certmill/jobs"
	"github.com/certmill/certmill/notify"
	"github.com/certmill/certmill/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// workerScript touches "<input>.out" and reports it via the stdout marker.
const workerScript = `touch "$1.out" && echo "Output file: $1.out"`

type env struct {
	store    *store.Store
	registry *notify.Registry
	mail     *recordingMailer
	srv      *httptest.Server
}

type recordingMailer struct {
	sent chan string // "to|subject"
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _ string) error {
	m.sent <- to + "|" + subject
	return nil
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st := store.New(dbopen.OpenMemory(t))
	require.NoError(t, st.Init())

	registry := notify.NewRegistry()
	t.Cleanup(registry.Close)
	gateway := notify.NewGateway(registry)

	sup, err := jobs.NewSupervisor(
		[]string{"/bin/sh", "-c", workerScript, "worker"},
		registry, jobs.WithHistory(st))
	require.NoError(t, err)
	t.Cleanup(sup.Close)

	mail := &recordingMailer{sent: make(chan string, 4)}

	root := t.TempDir()
	for _, d := range []string{"uploads", "outputs", "templates"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	s, err := New(Config{
		Store:        st,
		Supervisor:   sup,
		Gateway:      gateway,
		Mailer:       mail,
		JWTSecret:    testSecret,
		UploadsDir:   filepath.Join(root, "uploads"),
		OutputsDir:   filepath.Join(root, "outputs"),
		TemplatesDir: filepath.Join(root, "templates"),
		RequestsTo:   "ops@example.com",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	return &env{store: st, registry: registry, mail: mail, srv: srv}
}

// newUser creates a user and returns its id and a valid bearer token.
func (e *env) newUser(t *testing.T, email, role string) (string, string) {
	t.Helper()
	hash, err := auth.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	u, err := e.store.CreateUser(context.Background(), email, hash, role)
	require.NoError(t, err)
	token, err := auth.GenerateToken(testSecret, &auth.Claims{
		UserID: u.ID, Email: u.Email, Role: u.Role,
	}, time.Hour)
	require.NoError(t, err)
	return u.ID, token
}

func (e *env) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) doJSON(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, method, path, token, bytes.NewReader(b), "application/json")
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

// upload posts a small spreadsheet and returns fileName and socketId.
func (e *env) upload(t *testing.T, token string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(uploadFieldName, "roster final.xlsx")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake spreadsheet"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := e.do(t, http.MethodPost, "/upload", token, &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	require.Equal(t, "File uploaded successfully", m["message"])
	return m["fileName"].(string), m["socketId"].(string)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadRequiresAuth(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/upload", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadSanitizesFileName(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "u@example.com", "user")
	fileName, socketID := e.upload(t, token)
	require.NotContains(t, fileName, " ")
	require.NotContains(t, fileName, "/")
	require.True(t, strings.HasSuffix(fileName, ".xlsx"))
	require.Len(t, socketID, 32) // 16 random bytes hex encoded
}

func TestUploadWithoutFileIs400(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "u@example.com", "user")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())
	resp := e.do(t, http.MethodPost, "/upload", token, &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessSyncCompletes(t *testing.T) {
	e := newEnv(t)
	userID, token := e.newUser(t, "u@example.com", "user")
	fileName, socketID := e.upload(t, token)

	resp := e.doJSON(t, http.MethodPost, "/process?wait=1", token,
		map[string]string{"fileName": fileName, "socketId": socketID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	require.Equal(t, "File processed successfully", m["message"])
	require.Equal(t, false, m["isZip"])
	require.True(t, strings.HasSuffix(m["outputPath"].(string), ".out"))

	hist, err := e.store.ProcessHistory(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestProcessValidation(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "u@example.com", "user")

	resp := e.doJSON(t, http.MethodPost, "/process", token, map[string]string{"fileName": "x.xlsx"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/process", token,
		map[string]string{"fileName": "missing.xlsx", "socketId": "abc123"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProcessAsyncDeliversOverWebSocket(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "u@example.com", "user")
	fileName, socketID := e.upload(t, token)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/progress/" + socketID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := e.doJSON(t, http.MethodPost, "/process", token,
		map[string]string{"fileName": fileName, "socketId": socketID})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "WebSocket connection established", first["message"])

	var last map[string]any
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			break // server closes after the terminal event
		}
		last = ev
	}
	require.NotNil(t, last)
	require.Equal(t, "File processed successfully", last["message"])
	require.Contains(t, last["outputPath"], ".out")
}

func TestCancelUnknownJob(t *testing.T) {
	e := newEnv(t)
	_, token := e.newUser(t, "u@example.com", "user")
	resp := e.do(t, http.MethodDelete, "/process/deadbeef", token, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadOutputsAndTemplates(t *testing.T) {
	e := newEnv(t)

	// Reach into the server's dirs via the store-backed env root.
	resp := e.do(t, http.MethodGet, "/download/absent.xlsx", "", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/download/..%2Fsecret", "", nil, "")
	require.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/download/templates/absent.xlsx", "", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoginAndMe(t *testing.T) {
	e := newEnv(t)
	e.newUser(t, "u@example.com", "user")

	resp := e.doJSON(t, http.MethodPost, "/auth/login",
		"", map[string]string{"email": "u@example.com", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/auth/login",
		"", map[string]string{"email": "u@example.com", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	token := m["token"].(string)
	require.NotEmpty(t, token)

	resp = e.do(t, http.MethodGet, "/auth/me", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeMap(t, resp)
	require.Equal(t, "u@example.com", me["email"])
}

func TestCreateUserNeedsAdmin(t *testing.T) {
	e := newEnv(t)
	_, userToken := e.newUser(t, "u@example.com", "user")
	_, adminToken := e.newUser(t, "admin@example.com", "admin")

	payload := map[string]string{"email": "new@example.com", "password": "s3cr3ts3cr3t", "role": "user"}

	resp := e.doJSON(t, http.MethodPost, "/auth/create-user", userToken, payload)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/auth/create-user", adminToken, payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/auth/create-user", adminToken, payload)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRequestsFlow(t *testing.T) {
	e := newEnv(t)
	aliceID, aliceToken := e.newUser(t, "alice@example.com", "user")
	_, bobToken := e.newUser(t, "bob@example.com", "user")

	resp := e.doJSON(t, http.MethodPost, "/requests", aliceToken, map[string]string{
		"direction": "finance", "title": "Monthly export", "description": "Automate the monthly export",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeMap(t, resp)
	require.Equal(t, aliceID, created["user_id"])
	require.Equal(t, store.RequestPending, created["status"])

	select {
	case sent := <-e.mail.sent:
		require.Equal(t, "ops@example.com|New automation request: Monthly export", sent)
	case <-time.After(5 * time.Second):
		t.Fatal("notification mail never sent")
	}

	// Missing fields rejected.
	resp = e.doJSON(t, http.MethodPost, "/requests", aliceToken, map[string]string{"title": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bob sees the request in the global list but not in his own.
	resp = e.do(t, http.MethodGet, "/requests", bobToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 1)

	resp = e.do(t, http.MethodGet, "/requests/mine", bobToken, nil, "")
	var mine []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mine))
	require.Empty(t, mine)

	resp = e.do(t, http.MethodGet, "/requests/mine", aliceToken, nil, "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mine))
	require.Len(t, mine, 1)

	id := created["id"].(string)
	resp = e.do(t, http.MethodGet, "/requests/"+id, aliceToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/requests/req_nope", aliceToken, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
