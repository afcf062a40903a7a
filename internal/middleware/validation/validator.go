package validation

import (
	"mime/multipart"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	uploadKey      = "validated_upload"
	chatRequestKey = "validated_chat_request"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

// DefaultImageExtensions are checked by file name only; content is not
// sniffed.
var DefaultImageExtensions = []string{".png", ".jpg", ".jpeg"}

type Config struct {
	MaxMessageLength  int
	AllowedExtensions []string
	Logger            *zap.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = DefaultImageExtensions
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"code":    fiber.StatusBadRequest,
		"message": msg,
	})
}

// ImageUpload requires a multipart "file" field with an allowed image
// extension.
func ImageUpload(cfg Config) fiber.Handler {
	cfg.applyDefaults()

	return func(c *fiber.Ctx) error {
		file, err := c.FormFile("file")
		if err != nil {
			return badRequest(c, "no file uploaded")
		}
		if file.Filename == "" {
			return badRequest(c, "no file selected")
		}
		if !AllowedFile(file.Filename, cfg.AllowedExtensions) {
			cfg.Logger.Warn("Rejected upload with unsupported extension",
				zap.String("ip", c.IP()),
				zap.String("filename", file.Filename),
			)
			return badRequest(c, "unsupported file type")
		}

		c.Locals(uploadKey, file)
		return c.Next()
	}
}

// Upload returns the file accepted by ImageUpload.
func Upload(c *fiber.Ctx) (*multipart.FileHeader, bool) {
	file, ok := c.Locals(uploadKey).(*multipart.FileHeader)
	return file, ok
}

func AllowedFile(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, allowed := range extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

type ChatRequest struct {
	Message         string `json:"message"`
	ConversationID  string `json:"conversation_id"`
	NewConversation bool   `json:"new_conversation"`
}

// chatBody accepts both snake_case and camelCase field names.
type chatBody struct {
	ChatRequest
	ConversationIDCamel  string `json:"conversationId"`
	NewConversationCamel bool   `json:"newConversation"`
}

// ChatMessage parses and checks the chat send body. The parsed request is
// available through Chat.
func ChatMessage(cfg Config) fiber.Handler {
	cfg.applyDefaults()

	return func(c *fiber.Ctx) error {
		var body chatBody
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid JSON body")
		}

		req := body.ChatRequest
		if req.ConversationID == "" {
			req.ConversationID = body.ConversationIDCamel
		}
		req.NewConversation = req.NewConversation || body.NewConversationCamel
		req.Message = sanitizeString(req.Message)
		req.ConversationID = strings.TrimSpace(req.ConversationID)

		if req.Message == "" {
			return badRequest(c, "message is required")
		}
		if len(req.Message) > cfg.MaxMessageLength {
			return badRequest(c, "message exceeds maximum length")
		}
		if containsXSS(req.Message) {
			cfg.Logger.Warn("Potential XSS attempt", zap.String("ip", c.IP()))
			return badRequest(c, "invalid message content")
		}

		c.Locals(chatRequestKey, req)
		return c.Next()
	}
}

// Chat returns the request validated by ChatMessage.
func Chat(c *fiber.Ctx) (ChatRequest, bool) {
	req, ok := c.Locals(chatRequestKey).(ChatRequest)
	return req, ok
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}
