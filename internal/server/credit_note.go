package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	creditnotedomain "github.com/smallbiznis/fiskal/internal/creditnote/domain"
)

func (s *Server) CreateCreditNote(c *gin.Context) {
	invoiceID, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditNoteSvc.CreateFromInvoice(c.Request.Context(), invoiceID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result})
}

func (s *Server) ListCreditNotes(c *gin.Context) {
	var req creditnotedomain.ListCreditNoteRequest
	if raw := strings.TrimSpace(c.Query("invoice_id")); raw != "" {
		req.InvoiceID = &raw
	}

	notes, err := s.creditNoteSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": notes})
}

func (s *Server) GetCreditNoteByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := snowflake.ParseString(id); err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	note, err := s.creditNoteSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": note})
}
