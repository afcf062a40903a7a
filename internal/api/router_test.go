package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pestwatch/backend/internal/api/handlers"
	"github.com/pestwatch/backend/internal/auth"
	"github.com/pestwatch/backend/internal/chat"
	"github.com/pestwatch/backend/internal/conversation"
	"github.com/pestwatch/backend/internal/detection"
	"github.com/pestwatch/backend/internal/inference"
	"github.com/pestwatch/backend/internal/llm"
	"github.com/pestwatch/backend/internal/middleware/ratelimit"
	"github.com/pestwatch/backend/internal/pest"
	"github.com/pestwatch/backend/internal/storage/models"
	"github.com/pestwatch/backend/internal/storage/sqlite"
	"github.com/pestwatch/backend/internal/wechat"
)

type stubEngine struct {
	dets []inference.Detection
}

func (e *stubEngine) Detect(image.Image) ([]inference.Detection, error) { return e.dets, nil }
func (e *stubEngine) Close()                                          {}

type stubModel struct {
	calls int
}

func (m *stubModel) Chat(_ context.Context, _ []llm.Message) (*llm.ChatResponse, error) {
	m.calls++
	total := 12
	return &llm.ChatResponse{
		Content: fmt.Sprintf("answer %d", m.calls),
		Usage:   llm.Usage{TotalTokens: &total},
	}, nil
}

type testEnv struct {
	app       *fiber.App
	db        *sqlite.Client
	tokens    *auth.Tokens
	outputDir string
	engine    *stubEngine
	redis     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.NewClient(filepath.Join(dir, "pestwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(ctx))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	conversations := conversation.NewStore(rdb)

	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterResponder(http.MethodGet, "https://wx.test/sns/jscode2session",
		httpmock.NewStringResponder(200, `{"openid":"o-42","session_key":"sk"}`))

	tokens := auth.NewTokens("test-secret", time.Hour)
	engine := &stubEngine{}
	lookup := pest.NewLookup(db, time.Minute)
	records := detection.NewService(db, lookup, detection.PolicySkip)
	orchestrator := chat.NewOrchestrator(&stubModel{}, conversations, "be helpful")

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 1000})
	t.Cleanup(limiter.Stop)

	outputDir := filepath.Join(dir, "detect")
	h := Handlers{
		Auth: handlers.NewAuthHandler(
			wechat.NewLoginService(wechat.NewClient("app", "secret", "https://wx.test", hc), db, tokens),
			db,
		),
		Detect: handlers.NewDetectHandler(
			inference.NewAdapter(inference.NewRegistry(func(string) (inference.Engine, error) { return engine, nil }, true)),
			records,
			handlers.DetectConfig{ModelPath: "model.tflite", UploadsDir: filepath.Join(dir, "uploads"), OutputDir: outputDir},
		),
		Pest:   handlers.NewPestHandler(pest.NewKnowledge(db, lookup), pest.NewSearcher(db, nil, nil), records),
		Chat:   handlers.NewChatHandler(orchestrator, conversations),
		Stream: handlers.NewStreamHandler(orchestrator),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{"sqlite": db, "redis": conversations}),
	}

	return &testEnv{
		app:       NewApp(Config{}, h, tokens, limiter),
		db:        db,
		tokens:    tokens,
		outputDir: outputDir,
		engine:    engine,
		redis:     mr,
	}
}

func (e *testEnv) token(t *testing.T, openID string) (string, int64) {
	t.Helper()

	u, err := e.db.UpsertUserByOpenID(context.Background(), &models.User{OpenID: openID})
	require.NoError(t, err)
	tok, _, err := e.tokens.Issue(u.ID)
	require.NoError(t, err)
	return tok, u.ID
}

func (e *testEnv) do(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp.StatusCode, body
}

func jsonRequest(method, target, token string, body interface{}) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return req
}

func uploadRequest(t *testing.T, token, filename string) *http.Request {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 160, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, img))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/detect/image", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	return req
}

func TestLogin_IssuesUsableToken(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, jsonRequest(http.MethodPost, "/api/auth/login", "", map[string]interface{}{
		"code":     "wx-code",
		"userInfo": map[string]string{"nickName": "Farmer Wang"},
	}))
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	token := data["token"].(string)
	require.NotEmpty(t, token)

	status, body = env.do(t, jsonRequest(http.MethodGet, "/api/auth/check_login", token, nil))
	require.Equal(t, http.StatusOK, status)
	user := body["data"].(map[string]interface{})["userInfo"].(map[string]interface{})
	assert.Equal(t, "Farmer Wang", user["nickname"])
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/api/detect/records", "/api/chat/conversations", "/api/auth/check_login"} {
		status, body := env.do(t, jsonRequest(http.MethodGet, target, "", nil))
		assert.Equal(t, http.StatusUnauthorized, status, target)
		assert.Equal(t, "missing auth token", body["message"], target)
	}
}

func TestLogout_AcceptsExpiredOrMissingToken(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, jsonRequest(http.MethodPost, "/api/auth/logout", "", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "logged out", body["message"])

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = env.tokens.Verify(expired)
	require.ErrorIs(t, err, auth.ErrTokenExpired)

	status, _ = env.do(t, jsonRequest(http.MethodPost, "/api/auth/logout", expired, nil))
	assert.Equal(t, http.StatusOK, status)
}

func TestDetectImage_CreatesRecordsAndServesAnnotatedImage(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.token(t, "o-1")

	_, err := env.db.UpsertPest(context.Background(), &models.Pest{Name: "Aphid", Cate: "aphid"})
	require.NoError(t, err)
	env.engine.dets = []inference.Detection{
		{BBox: [4]float64{4, 4, 20, 20}, Confidence: 0.91, ClassID: 0, ClassName: "aphid"},
	}

	status, body := env.do(t, uploadRequest(t, token, "../leaf photo.png"))
	require.Equal(t, http.StatusOK, status, body)

	records := body["data"].([]interface{})
	require.Len(t, records, 1)
	rec := records[0].(map[string]interface{})
	assert.Equal(t, "Aphid", rec["pest_name"])

	imageURL := rec["image_url"].(string)
	assert.Regexp(t, fmt.Sprintf(`^%d/\d{14}_[0-9a-f]{8}_leaf_photo\.png$`, userID), imageURL)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/detect/images/"+imageURL, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(fiber.HeaderCacheControl))
	resp.Body.Close()

	status, body = env.do(t, jsonRequest(http.MethodGet, "/api/detect/records?limit=5", token, nil))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestDetectImage_NonASCIINameStaysServable(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.token(t, "o-1")
	env.engine.dets = []inference.Detection{
		{BBox: [4]float64{2, 2, 30, 30}, Confidence: 0.8, ClassID: 3, ClassName: "unknown_bug"},
	}

	status, body := env.do(t, uploadRequest(t, token, "害虫照片.PNG"))
	require.Equal(t, http.StatusOK, status, body)

	records := body["data"].([]interface{})
	require.Len(t, records, 1)
	imageURL := records[0].(map[string]interface{})["image_url"].(string)
	assert.Regexp(t, fmt.Sprintf(`^%d/\d{14}_[0-9a-f]{8}_upload\.png$`, userID), imageURL)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/detect/images/"+imageURL, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = png.Decode(resp.Body)
	assert.NoError(t, err, "annotated copy keeps the upload's format")
}

func TestDetectImage_RejectsUnsupportedExtension(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.token(t, "o-1")

	status, body := env.do(t, uploadRequest(t, token, "leaf.gif"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unsupported file type", body["message"])
}

func TestServeImage_RejectsTraversal(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/api/detect/images/..%2f..%2fpestwatch.db",
		"/api/detect/images/1/missing.png",
	} {
		status, _ := env.do(t, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, status, target)
	}
}

func TestUpdateRecordStatus(t *testing.T) {
	env := newTestEnv(t)
	owner, ownerID := env.token(t, "owner")
	other, _ := env.token(t, "other")

	rec := &models.DetectionRecord{UserID: ownerID, ImageURL: "x.png", DetectionTime: time.Now(), Status: models.StatusValid}
	require.NoError(t, env.db.InsertDetectionRecords(context.Background(), []*models.DetectionRecord{rec}))
	target := fmt.Sprintf("/api/detect/records/%d/status", rec.ID)

	status, _ := env.do(t, jsonRequest(http.MethodPut, target, owner, map[string]int{"status": 7}))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, jsonRequest(http.MethodPut, target, other, map[string]int{"status": 0}))
	assert.Equal(t, http.StatusNotFound, status)

	status, body := env.do(t, jsonRequest(http.MethodPut, target, owner, map[string]int{"status": 0}))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["data"].(map[string]interface{})["status"])
}

func TestPestRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.db.UpsertPest(ctx, &models.Pest{Name: fmt.Sprintf("Planthopper %d", i), Cate: fmt.Sprintf("ph_%d", i)})
		require.NoError(t, err)
	}
	id, err := env.db.UpsertPest(ctx, &models.Pest{Name: "Corn borer", Cate: "ostrinia"})
	require.NoError(t, err)

	status, body := env.do(t, httptest.NewRequest(http.MethodGet, "/api/pest?name=planthopper&per_page=2", nil))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 2)
	page := body["pagination"].(map[string]interface{})
	assert.EqualValues(t, 3, page["total"])
	assert.Equal(t, true, page["has_next"])

	status, body = env.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/pest/%d", id), nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Corn borer", body["data"].(map[string]interface{})["name"])

	status, body = env.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/pest/%d/stats", id), nil))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["data"].(map[string]interface{})["total_detections"])

	status, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/api/pest/9999", nil))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/api/pest/search?q=white+insects", nil))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestChatRoutes(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.token(t, "o-chat")

	status, body := env.do(t, jsonRequest(http.MethodPost, "/api/chat/send", token, map[string]interface{}{
		"message":          "hello",
		"new_conversation": true,
	}))
	require.Equal(t, http.StatusOK, status, body)
	convID := body["conversation_id"].(string)
	require.NotEmpty(t, convID)
	assert.Equal(t, "answer 1", body["response"])
	assert.Equal(t, true, body["persisted"])
	assert.EqualValues(t, 12, body["metadata"].(map[string]interface{})["total_tokens"])

	status, body = env.do(t, jsonRequest(http.MethodPost, "/api/chat/send", token, map[string]interface{}{
		"message":        "again",
		"conversationId": convID,
	}))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["history"], 4)

	status, body = env.do(t, jsonRequest(http.MethodGet, "/api/chat/conversations", token, nil))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["conversations"], 1)

	status, body = env.do(t, jsonRequest(http.MethodGet, "/api/chat/conversation?conversation_id="+convID, token, nil))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["conversation"], 4)

	status, body = env.do(t, jsonRequest(http.MethodDelete, "/api/chat/conversation?conversation_id="+convID, token, nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	status, _ = env.do(t, jsonRequest(http.MethodGet, "/api/chat/conversation?conversation_id="+convID, token, nil))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestChatSend_ReportsUnsavedTurn(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.token(t, "o-chat")
	env.redis.Close()

	status, body := env.do(t, jsonRequest(http.MethodPost, "/api/chat/send", token, map[string]string{"message": "hello"}))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "answer 1", body["response"])
	assert.Equal(t, false, body["persisted"])
}

func TestChatSend_RejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.token(t, "o-chat")

	status, body := env.do(t, jsonRequest(http.MethodPost, "/api/chat/send", token, map[string]string{"message": "   "}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "message is required", body["message"])
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = env.do(t, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ready"])
}

func TestStream_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.token(t, "o-ws")

	status, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/api/chat/stream?token="+token, nil))
	assert.Equal(t, http.StatusUpgradeRequired, status)

	status, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/api/chat/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, status)
}
