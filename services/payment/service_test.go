package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jam3a-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type scriptedGateway struct {
	nextRef    int
	captureErr map[string]error
	voidErr    map[string]error
	captures   map[string]int
	voids      map[string]int
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		captureErr: map[string]error{},
		voidErr:    map[string]error{},
		captures:   map[string]int{},
		voids:      map[string]int{},
	}
}

func (g *scriptedGateway) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	g.nextRef++
	return fmt.Sprintf("ref_%d", g.nextRef), nil
}

func (g *scriptedGateway) Capture(ctx context.Context, ref string, amount int64) error {
	if err := g.captureErr[ref]; err != nil {
		return err
	}
	g.captures[ref]++
	return nil
}

func (g *scriptedGateway) Void(ctx context.Context, ref string) error {
	if err := g.voidErr[ref]; err != nil {
		return err
	}
	g.voids[ref]++
	return nil
}

func newTestService(t *testing.T) (*Service, *scriptedGateway, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Authorization{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	gw := newScriptedGateway()
	svc := NewService(ServiceParams{DB: db, Node: node, Gateway: gw})
	return svc, gw, db
}

func seedHold(t *testing.T, svc *Service, db *gorm.DB, dealID, userID string) *Authorization {
	t.Helper()

	auth, err := svc.Authorize(context.Background(), AuthorizeRequest{
		UserID:   userID,
		DealID:   dealID,
		Method:   "card",
		Amount:   4999,
		Currency: "SAR",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Persist(context.Background(), db, auth))
	return auth
}

func TestAuthorizePlacesHold(t *testing.T) {
	svc, _, db := newTestService(t)

	auth := seedHold(t, svc, db, "deal-1", "user-1")
	require.Equal(t, StateAuthorized, auth.State)
	require.NotEmpty(t, auth.GatewayRef)

	var stored Authorization
	require.NoError(t, db.First(&stored, "id = ?", auth.ID).Error)
	require.EqualValues(t, 4999, stored.Amount)
}

func TestMarkCapturePendingOnlyTouchesLiveHolds(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	a := seedHold(t, svc, db, "deal-1", "user-1")
	b := seedHold(t, svc, db, "deal-1", "user-2")
	other := seedHold(t, svc, db, "deal-2", "user-3")

	// a hold already voided must not be revived by the fill transition
	require.NoError(t, db.Model(&Authorization{}).Where("id = ?", b.ID).Update("state", StateVoided).Error)

	require.NoError(t, svc.MarkCapturePending(ctx, db, "deal-1", 4199))

	var gotA Authorization
	require.NoError(t, db.First(&gotA, "id = ?", a.ID).Error)
	require.Equal(t, StateCapturePending, gotA.State)
	require.EqualValues(t, 4199, *gotA.CaptureAmount)

	var gotB Authorization
	require.NoError(t, db.First(&gotB, "id = ?", b.ID).Error)
	require.Equal(t, StateVoided, gotB.State)

	var gotOther Authorization
	require.NoError(t, db.First(&gotOther, "id = ?", other.ID).Error)
	require.Equal(t, StateAuthorized, gotOther.State)
}

func TestSettleDealCapturesOncePerHold(t *testing.T) {
	svc, gw, db := newTestService(t)
	ctx := context.Background()

	a := seedHold(t, svc, db, "deal-1", "user-1")
	b := seedHold(t, svc, db, "deal-1", "user-2")
	require.NoError(t, svc.MarkCapturePending(ctx, db, "deal-1", 4199))

	report, err := svc.SettleDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Zero(t, report.FailedCount())

	// rerun: already captured holds are reported, not re-instructed
	report, err = svc.SettleDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Zero(t, report.FailedCount())
	require.Equal(t, 1, gw.captures[a.GatewayRef])
	require.Equal(t, 1, gw.captures[b.GatewayRef])

	for _, res := range report.Results {
		require.Equal(t, StateCaptured, res.State)
		require.EqualValues(t, 4199, res.Amount)
	}
}

func TestSettleDealSkipsHoldsClaimedByAnotherRun(t *testing.T) {
	svc, gw, db := newTestService(t)
	ctx := context.Background()

	a := seedHold(t, svc, db, "deal-1", "user-1")
	b := seedHold(t, svc, db, "deal-1", "user-2")
	require.NoError(t, svc.MarkCapturePending(ctx, db, "deal-1", 4199))

	// another worker already claimed a and is mid-flight with the gateway
	require.NoError(t, db.Model(&Authorization{}).Where("id = ?", a.ID).Update("state", StateCapturing).Error)

	report, err := svc.SettleDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	// only the unclaimed hold is instructed; the claimed one is reported as-is
	require.Zero(t, gw.captures[a.GatewayRef])
	require.Equal(t, 1, gw.captures[b.GatewayRef])

	states := map[string]string{}
	for _, res := range report.Results {
		states[res.AuthorizationID] = res.State
	}
	require.Equal(t, StateCapturing, states[a.ID])
	require.Equal(t, StateCaptured, states[b.ID])
}

func TestSettleDealRecordsFailures(t *testing.T) {
	svc, gw, db := newTestService(t)
	ctx := context.Background()

	a := seedHold(t, svc, db, "deal-1", "user-1")
	seedHold(t, svc, db, "deal-1", "user-2")
	require.NoError(t, svc.MarkCapturePending(ctx, db, "deal-1", 4199))

	gw.captureErr[a.GatewayRef] = errors.New("insufficient funds")

	report, err := svc.SettleDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Equal(t, 1, report.FailedCount())

	var failed Authorization
	require.NoError(t, db.First(&failed, "id = ?", a.ID).Error)
	require.Equal(t, StateCaptureFailed, failed.State)
	require.Equal(t, "insufficient funds", failed.FailureReason)

	// the failure stays recorded on rerun, no second attempt on its own
	report, err = svc.SettleDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Equal(t, 1, report.FailedCount())
}

func TestRefundDealVoidsPendingHolds(t *testing.T) {
	svc, gw, db := newTestService(t)
	ctx := context.Background()

	a := seedHold(t, svc, db, "deal-1", "user-1")
	require.NoError(t, svc.MarkVoidPending(ctx, db, "deal-1"))

	report, err := svc.RefundDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, StateVoided, report.Results[0].State)
	require.Equal(t, 1, gw.voids[a.GatewayRef])

	report, err = svc.RefundDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Equal(t, 1, gw.voids[a.GatewayRef])
}

func TestStatesByDeal(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	a := seedHold(t, svc, db, "deal-1", "user-1")
	seedHold(t, svc, db, "deal-2", "user-2")

	states, err := svc.StatesByDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, StateAuthorized, states[a.ID])
}
