package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/models"
)

// ChatHandler serves the conversation, message and attachment endpoints.
type ChatHandler struct {
	backend Backend
	files   FileStore
	hub     Broadcaster
}

func NewChatHandler(backend Backend, files FileStore, hub Broadcaster) *ChatHandler {
	return &ChatHandler{backend: backend, files: files, hub: hub}
}

// ListConversations returns one page of the caller's conversations.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID := c.Param("userId")
	if userID != c.GetString("userID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot list another user's conversations"})
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	result, err := h.backend.ListConversations(c.Request.Context(), userID, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	if result.Conversations == nil {
		result.Conversations = []models.Conversation{}
	}
	c.JSON(http.StatusOK, result)
}

// GetMessages returns the stored history of a conversation, oldest first.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	conversationID := c.Param("conversationId")
	if !h.requireParticipant(c, conversationID) {
		return
	}

	msgs, err := h.backend.Messages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// PostMessage stores a message under a server id and broadcasts it.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req models.Message
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	userID := c.GetString("userID")
	if req.SenderID != "" && req.SenderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender does not match token"})
		return
	}
	req.SenderID = userID
	if !h.requireParticipant(c, req.ConversationID) {
		return
	}

	msg, err := h.backend.AddMessage(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}
	jww.DEBUG.Printf("[DEV] request %s stored message %s (client id %s)", requestIDFromContext(c), msg.ID, req.ID)

	h.hub.Broadcast(msg.ConversationID, models.ChannelEvent{
		Type:           models.EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}, userID)
	c.JSON(http.StatusCreated, msg)
}

// Upload stores a multipart file attachment and broadcasts its record.
func (h *ChatHandler) Upload(c *gin.Context) {
	conversationID := c.PostForm("conversationId")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}
	userID := c.GetString("userID")
	if sender := c.PostForm("senderId"); sender != "" && sender != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender does not match token"})
		return
	}
	if !h.requireParticipant(c, conversationID) {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	stored, size, err := h.files.Save(filepath.Base(header.Filename), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	att, err := h.backend.AddAttachment(c.Request.Context(), models.Attachment{
		ConversationID: conversationID,
		SenderID:       userID,
		FileName:       stored,
		FileURL:        "/files/" + stored,
		MimeType:       header.Header.Get("Content-Type"),
		Size:           size,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store attachment"})
		return
	}

	h.hub.Broadcast(conversationID, models.ChannelEvent{
		Type:           models.EventNewAttachment,
		ConversationID: conversationID,
		Attachment:     &att,
	}, userID)
	c.JSON(http.StatusCreated, att)
}

// ServeFile streams an uploaded file. Range requests are honoured.
func (h *ChatHandler) ServeFile(c *gin.Context) {
	path, err := h.files.Path(c.Param("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "file not found"})
		return
	}
	c.File(path)
}

// GetTheme returns the theme stored for a pair of users.
func (h *ChatHandler) GetTheme(c *gin.Context) {
	theme, err := h.backend.Theme(c.Request.Context(), c.Param("userId"), c.Param("otherUserId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load theme"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"theme": theme})
}

// SetTheme stores the theme for a pair of users.
func (h *ChatHandler) SetTheme(c *gin.Context) {
	var req struct {
		UserID      string `json:"userId" binding:"required"`
		OtherUserID string `json:"otherUserId" binding:"required"`
		Theme       string `json:"theme" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID != c.GetString("userID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot set another user's theme"})
		return
	}
	if err := h.backend.SetTheme(c.Request.Context(), req.UserID, req.OtherUserID, req.Theme); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store theme"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ChatHandler) requireParticipant(c *gin.Context, conversationID string) bool {
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return false
	}
	member, err := h.backend.IsParticipant(c.Request.Context(), conversationID, c.GetString("userID"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return false
	}
	return true
}
