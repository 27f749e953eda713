package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/email"
	"github.com/damso/damso/internal/push"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	emergencies map[string]*models.Emergency
	agencies    []models.EmergencyAgency
	contacts    map[string][]models.EmergencyContact
	notified    []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		emergencies: map[string]*models.Emergency{},
		contacts:    map[string][]models.EmergencyContact{},
	}
}

func (f *fakeRepo) Create(_ context.Context, e *models.Emergency) error {
	e.ID = uuid.NewString()
	e.Status = models.EmergencyActive
	e.CreatedAt = time.Now()
	cp := *e
	f.emergencies[e.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*models.Emergency, error) {
	e, ok := f.emergencies[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) List(_ context.Context, filter models.EmergencyFilter) ([]models.Emergency, error) {
	var out []models.Emergency
	for _, e := range f.emergencies {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeRepo) Resolve(_ context.Context, id, status, resolvedBy string, note *string) (*models.Emergency, error) {
	e, ok := f.emergencies[id]
	if !ok || e.Status != models.EmergencyActive {
		return nil, nil
	}
	now := time.Now()
	e.Status = status
	e.ResolvedAt = &now
	e.ResolvedBy = &resolvedBy
	e.ResolutionNote = note
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) MarkGuardianNotified(_ context.Context, id string) error {
	f.notified = append(f.notified, id)
	if e, ok := f.emergencies[id]; ok {
		e.GuardianNotified = true
	}
	return nil
}

func (f *fakeRepo) CountActive(context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) ListActiveAgencies(context.Context) ([]models.EmergencyAgency, error) {
	return f.agencies, nil
}

func (f *fakeRepo) CreateContact(_ context.Context, c *models.EmergencyContact) error {
	c.ID = uuid.NewString()
	for _, a := range f.agencies {
		if a.ID == c.AgencyID {
			c.AgencyName = a.Name
			c.AgencyType = a.Type
			c.PhoneNumber = a.PhoneNumber
		}
	}
	c.ResponseStatus = "pending"
	f.contacts[c.EmergencyID] = append(f.contacts[c.EmergencyID], *c)
	return nil
}

func (f *fakeRepo) ListContacts(_ context.Context, id string) ([]models.EmergencyContact, error) {
	return f.contacts[id], nil
}

type fakeWards struct {
	wards map[string]*models.WardWithGuardian
}

func (f *fakeWards) GetByID(_ context.Context, id string) (*models.WardWithGuardian, error) {
	return f.wards[id], nil
}

type pushCall struct {
	identity string
	kind     push.Kind
	n        push.Notification
}

type fakePusher struct {
	calls []pushCall
	sent  int
	err   error
}

func (f *fakePusher) SendUserPush(_ context.Context, identity string, kind push.Kind, _ string, n push.Notification) (*calls.PushSummary, error) {
	f.calls = append(f.calls, pushCall{identity: identity, kind: kind, n: n})
	if f.err != nil {
		return nil, f.err
	}
	return &calls.PushSummary{Result: push.Result{Sent: f.sent, InvalidTokens: []string{}}, Requested: f.sent}, nil
}

type fakeMailer struct {
	sent []email.EmergencyNotification
	err  error
}

func (f *fakeMailer) SendEmergencyNotification(_ context.Context, n email.EmergencyNotification) error {
	f.sent = append(f.sent, n)
	return f.err
}

func strp(s string) *string { return &s }
func fp(v float64) *float64 { return &v }

// Seoul City Hall and agencies at roughly 1, 3, 8 and 30 km.
const (
	cityHallLat = 37.5665
	cityHallLon = 126.9780
)

var testAgencies = []models.EmergencyAgency{
	{ID: "far", Name: "수원소방서", Type: "fire", Latitude: 37.2636, Longitude: 127.0286},
	{ID: "mid", Name: "마포경찰서", Type: "police", Latitude: 37.5665, Longitude: 126.8875},
	{ID: "near", Name: "중부소방서", Type: "fire", Latitude: 37.5755, Longitude: 126.9780},
	{ID: "close", Name: "남대문경찰서", Type: "police", Latitude: 37.5665, Longitude: 127.0120},
}

type fixture struct {
	svc    *Service
	repo   *fakeRepo
	pusher *fakePusher
	wardID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wardID := uuid.NewString()
	repo := newFakeRepo()
	repo.agencies = testAgencies
	wards := &fakeWards{wards: map[string]*models.WardWithGuardian{
		wardID: {
			Ward:             models.Ward{ID: wardID},
			WardName:         strp("김순자"),
			GuardianIdentity: strp("guardian-1"),
		},
	}}
	pusher := &fakePusher{sent: 1}
	return &fixture{svc: NewService(repo, wards, pusher), repo: repo, pusher: pusher, wardID: wardID}
}

func TestHaversine(t *testing.T) {
	assert.Equal(t, 0.0, Haversine(cityHallLat, cityHallLon, cityHallLat, cityHallLon))

	// One degree of latitude is about 111.19 km.
	assert.InDelta(t, 111.19, Haversine(0, 0, 1, 0), 0.01)

	// Seoul to Busan.
	assert.InDelta(t, 325, Haversine(37.5665, 126.9780, 35.1796, 129.0756), 5)
}

func TestFilterNearest_OrdersAndTruncates(t *testing.T) {
	got := FilterNearest(testAgencies, cityHallLat, cityHallLon, 10, 5)
	require.Len(t, got, 3)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, "close", got[1].ID)
	assert.Equal(t, "mid", got[2].ID)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}

	got = FilterNearest(testAgencies, cityHallLat, cityHallLon, 10, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ID)
}

func TestFilterNearest_BoundaryInclusive(t *testing.T) {
	a := []models.EmergencyAgency{{ID: "edge", Latitude: 37.5755, Longitude: 126.9780}}
	d := Haversine(cityHallLat, cityHallLon, 37.5755, 126.9780)

	assert.Len(t, FilterNearest(a, cityHallLat, cityHallLon, d, 5), 1)
	assert.Empty(t, FilterNearest(a, cityHallLat, cityHallLon, d-0.001, 5))
}

func TestFilterNearest_SamePoint(t *testing.T) {
	a := []models.EmergencyAgency{{ID: "here", Latitude: cityHallLat, Longitude: cityHallLon}}
	got := FilterNearest(a, cityHallLat, cityHallLon, 0, 5)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].DistanceKm)
}

func TestNearestAgencies_RoundsDistance(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.NearestAgencies(context.Background(), cityHallLat, cityHallLon, DefaultRadiusKm, DefaultLimit)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, 1.0, got[0].DistanceKm)
	assert.False(t, got[0].Contacted)
}

func TestTrigger_ContactsAgenciesAndNotifiesGuardian(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Trigger(context.Background(), TriggerParams{
		WardID:    f.wardID,
		Latitude:  fp(cityHallLat),
		Longitude: fp(cityHallLon),
	})
	require.NoError(t, err)

	assert.Equal(t, "dispatched", res.Status)
	assert.True(t, res.GuardianNotified)
	require.Len(t, res.NearbyAgencies, 3)
	for _, a := range res.NearbyAgencies {
		assert.True(t, a.Contacted)
	}

	e := f.repo.emergencies[res.EmergencyID]
	require.NotNil(t, e)
	assert.Equal(t, "admin", e.Type)
	assert.True(t, e.GuardianNotified)
	assert.Len(t, f.repo.contacts[res.EmergencyID], 3)

	require.Len(t, f.pusher.calls, 1)
	call := f.pusher.calls[0]
	assert.Equal(t, "guardian-1", call.identity)
	assert.Equal(t, push.KindAlert, call.kind)
	assert.Equal(t, "🚨 비상 알림", call.n.Title)
	assert.Equal(t, "관제센터에서 김순자님에 대해 비상 상황을 발동했습니다", call.n.Body)
	assert.Equal(t, "emergency", call.n.Payload["type"])
	assert.Equal(t, res.EmergencyID, call.n.Payload["emergencyId"])
	assert.Equal(t, f.wardID, call.n.Payload["wardId"])
}

func TestTrigger_WithoutLocation(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Trigger(context.Background(), TriggerParams{WardID: f.wardID, Type: "manual"})
	require.NoError(t, err)
	assert.Empty(t, res.NearbyAgencies)
	assert.NotNil(t, res.NearbyAgencies)
	assert.Equal(t, "manual", f.repo.emergencies[res.EmergencyID].Type)
}

func TestTrigger_GuardianNotReached(t *testing.T) {
	tests := []struct {
		name   string
		pusher *fakePusher
	}{
		{"no devices", &fakePusher{sent: 0}},
		{"push error", &fakePusher{err: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.pusher = tt.pusher
			res, err := f.svc.Trigger(context.Background(), TriggerParams{WardID: f.wardID})
			require.NoError(t, err)
			assert.False(t, res.GuardianNotified)
			assert.Empty(t, f.repo.notified)
		})
	}
}

func TestTrigger_DefaultWardName(t *testing.T) {
	f := newFixture(t)
	f.svc.wards.(*fakeWards).wards[f.wardID].WardName = nil
	_, err := f.svc.Trigger(context.Background(), TriggerParams{WardID: f.wardID})
	require.NoError(t, err)
	require.Len(t, f.pusher.calls, 1)
	assert.Equal(t, "관제센터에서 피보호자님에 대해 비상 상황을 발동했습니다", f.pusher.calls[0].n.Body)
}

func TestTrigger_EmailsGuardian(t *testing.T) {
	f := newFixture(t)
	f.svc.wards.(*fakeWards).wards[f.wardID].GuardianEmail = strp("guardian@example.com")
	mailer := &fakeMailer{}
	f.svc.SetMailer(mailer)

	res, err := f.svc.Trigger(context.Background(), TriggerParams{
		WardID:    f.wardID,
		Type:      "manual",
		Latitude:  fp(cityHallLat),
		Longitude: fp(cityHallLon),
		Message:   strp("낙상 감지"),
	})
	require.NoError(t, err)
	assert.True(t, res.GuardianEmailed)

	require.Len(t, mailer.sent, 1)
	n := mailer.sent[0]
	assert.Equal(t, "guardian@example.com", n.To)
	assert.Equal(t, res.EmergencyID, n.EmergencyID)
	assert.Equal(t, "김순자", n.WardName)
	assert.Equal(t, "manual", n.Type)
	assert.Equal(t, "낙상 감지", n.Message)
	require.Len(t, n.Agencies, 3)
	assert.Equal(t, "중부소방서", n.Agencies[0].Name)
	assert.False(t, n.Timestamp.IsZero())
}

func TestTrigger_EmailSkippedOrFailed(t *testing.T) {
	tests := []struct {
		name   string
		email  *string
		mailer *fakeMailer
		calls  int
	}{
		{"no address", nil, &fakeMailer{}, 0},
		{"empty address", strp(""), &fakeMailer{}, 0},
		{"smtp error", strp("guardian@example.com"), &fakeMailer{err: errors.New("smtp down")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.wards.(*fakeWards).wards[f.wardID].GuardianEmail = tt.email
			f.svc.SetMailer(tt.mailer)

			res, err := f.svc.Trigger(context.Background(), TriggerParams{WardID: f.wardID})
			require.NoError(t, err)
			assert.False(t, res.GuardianEmailed)
			assert.True(t, res.GuardianNotified)
			assert.Len(t, tt.mailer.sent, tt.calls)
		})
	}
}

func TestTrigger_NoMailerConfigured(t *testing.T) {
	f := newFixture(t)
	f.svc.wards.(*fakeWards).wards[f.wardID].GuardianEmail = strp("guardian@example.com")
	res, err := f.svc.Trigger(context.Background(), TriggerParams{WardID: f.wardID})
	require.NoError(t, err)
	assert.False(t, res.GuardianEmailed)
}

func TestTrigger_UnknownWard(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Trigger(context.Background(), TriggerParams{WardID: uuid.NewString()})
	assert.ErrorIs(t, err, ErrWardNotFound)
	_, err = f.svc.Trigger(context.Background(), TriggerParams{WardID: "nope"})
	assert.ErrorIs(t, err, ErrWardNotFound)
	assert.Empty(t, f.repo.emergencies)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Trigger(ctx, TriggerParams{WardID: f.wardID})
	require.NoError(t, err)

	out, err := f.svc.Resolve(ctx, res.EmergencyID, "ops@damso.kr", "", strp("현장 확인"))
	require.NoError(t, err)
	assert.Equal(t, models.EmergencyResolved, out.Status)
	assert.NotNil(t, out.ResolvedAt)

	_, err = f.svc.Resolve(ctx, res.EmergencyID, "ops@damso.kr", models.EmergencyFalseAlarm, nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = f.svc.Resolve(ctx, uuid.NewString(), "ops", "", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Resolve(ctx, res.EmergencyID, "ops", "active", nil)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Trigger(ctx, TriggerParams{WardID: f.wardID, Latitude: fp(cityHallLat), Longitude: fp(cityHallLon)})
	require.NoError(t, err)

	list, err := f.svc.List(ctx, models.EmergencyFilter{Status: models.EmergencyActive})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "알 수 없음", list[0].WardName)
	assert.ElementsMatch(t, []string{"중부소방서", "남대문경찰서", "마포경찰서"}, list[0].RespondedAgencies)

	_, err = f.svc.List(ctx, models.EmergencyFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	d, err := f.svc.Get(ctx, res.EmergencyID)
	require.NoError(t, err)
	assert.Len(t, d.Contacts, 3)
	assert.Equal(t, "pending", d.Contacts[0].ResponseStatus)

	_, err = f.svc.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
