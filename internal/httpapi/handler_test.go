package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jam3a-engine/pkg/health"
	"jam3a-engine/pkg/middleware"
	"jam3a-engine/services/deal"
	"jam3a-engine/services/payment"
	"jam3a-engine/services/pricing"
	"jam3a-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type staticSequence struct{ n int }

func (s *staticSequence) NextDealCode(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("JAM-HTTP-%03d", s.n), nil
}

type approveAllGateway struct{ n int }

func (g *approveAllGateway) Authorize(ctx context.Context, req payment.AuthorizeRequest) (string, error) {
	g.n++
	return fmt.Sprintf("ref_%d", g.n), nil
}
func (g *approveAllGateway) Capture(ctx context.Context, ref string, amount int64) error { return nil }
func (g *approveAllGateway) Void(ctx context.Context, ref string) error                  { return nil }

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, string) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&pricing.Product{}, &pricing.ProductTier{},
		&deal.Deal{}, &deal.Participant{},
		&payment.Authorization{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	product := &pricing.Product{ID: node.Generate().String(), Name: "Demo", BasePrice: 4999, Currency: "SAR"}
	require.NoError(t, db.Create(product).Error)
	require.NoError(t, db.Create(&pricing.ProductTier{
		ID: node.Generate().String(), ProductID: product.ID, MinParticipants: 2, UnitPrice: 4799,
	}).Error)

	payments := payment.NewService(payment.ServiceParams{DB: db, Node: node, Gateway: &approveAllGateway{}})
	deals := deal.NewService(deal.ServiceParams{
		DB:       db,
		Node:     node,
		Sequence: &staticSequence{},
		Pricing:  pricing.NewStore(pricing.StoreParams{DB: db}),
		Payments: payments,
	})

	engine := gin.New()
	// same middleware chain as NewEngine, minus request logging noise
	engine.Use(gin.Recovery(), middleware.Error())
	registerForTest(engine, &Handler{deals: deals})

	return engine, db, product.ID
}

func registerForTest(engine *gin.Engine, h *Handler) {
	hc := health.ProvideHealth(health.HealthParams{})
	RegisterRoutes(engine, h, hc)
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	rec := doJSON(t, engine, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJoinAndStatusFlow(t *testing.T) {
	engine, _, productID := newTestRouter(t)

	rec := doJSON(t, engine, http.MethodPost, "/v1/deals", gin.H{
		"product_id": productID,
		"capacity":   2,
		"deadline":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created deal.Deal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, engine, http.MethodPost, "/v1/deals/"+created.ID+"/join", gin.H{
		"user_id": "user-1", "payment_method": "card",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res deal.JoinResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Accepted)

	// duplicate join is a 200 with a reason code, not an error
	rec = doJSON(t, engine, http.MethodPost, "/v1/deals/"+created.ID+"/join", gin.H{
		"user_id": "user-1", "payment_method": "card",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.False(t, res.Accepted)
	require.Equal(t, deal.ReasonAlreadyJoined, res.Reason)

	rec = doJSON(t, engine, http.MethodGet, "/v1/deals/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view deal.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, deal.StatusFilling, view.Status)
	require.Equal(t, 1, view.ParticipantsCount)

	rec = doJSON(t, engine, http.MethodGet, "/v1/deals/"+created.ID+"/participants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJoinValidation(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	rec := doJSON(t, engine, http.MethodPost, "/v1/deals/123/join", gin.H{"user_id": "u"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownDeal(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	rec := doJSON(t, engine, http.MethodGet, "/v1/deals/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "NOT_FOUND", envelope.Error.Code)
}
