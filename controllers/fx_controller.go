package controllers

import (
	"context"
	"net/http"

	apperrors "ticket-payment-service/common/errors"
	"ticket-payment-service/fx"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type QuoteProvider interface {
	Quote(ctx context.Context, displayAmountMinor, marginBps int64) (*fx.Quote, error)
}

type FXController struct {
	Quotes           QuoteProvider
	DefaultMarginBps int64
	Logger           *zap.Logger
}

type quoteRequest struct {
	DisplayAmountMinor int64  `json:"display_amount_minor" binding:"required,gt=0"`
	MarginBps          *int64 `json:"margin_bps" binding:"omitempty,gte=0,lte=500"`
}

func (fc *FXController) Quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fc.Logger, apperrors.Wrap(apperrors.ErrInvalidRequest, "invalid request body", err))
		return
	}
	margin := fc.DefaultMarginBps
	if req.MarginBps != nil {
		margin = *req.MarginBps
	}

	q, err := fc.Quotes.Quote(c.Request.Context(), req.DisplayAmountMinor, margin)
	if err != nil {
		respondError(c, fc.Logger, err)
		return
	}
	c.JSON(http.StatusOK, q)
}
