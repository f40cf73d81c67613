package httpapi

import (
	"net/http"

	"jam3a-engine/pkg/db/pagination"
	"jam3a-engine/pkg/errutil"
	"jam3a-engine/services/deal"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	deals *deal.Service
}

type HandlerParams struct {
	fx.In
	Deals *deal.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{deals: p.Deals}
}

func (h *Handler) CreateDeal(c *gin.Context) {
	var req deal.CreateDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	created, err := h.deals.CreateDeal(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Join returns 200 with accepted=false and a reason code for business
// rejections; only validation and infrastructure problems become errors.
func (h *Handler) Join(c *gin.Context) {
	var req deal.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.DealID = c.Param("id")

	res, err := h.deals.Join(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	if res.Accepted {
		c.JSON(http.StatusCreated, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Status(c *gin.Context) {
	view, err := h.deals.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Participants(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	views, pageInfo, err := h.deals.Participants(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participants": views,
		"page":         pageInfo,
	})
}
