package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/optik-reconciler/internal/fulfillment"
	"github.com/noah-isme/optik-reconciler/internal/gateway"
	"github.com/noah-isme/optik-reconciler/internal/ledger"
	"github.com/noah-isme/optik-reconciler/internal/payment"
)

type paymentStore struct {
	mu       sync.Mutex
	payments map[string]payment.Payment
	findErr  error
}

func newPaymentStore(ps ...payment.Payment) *paymentStore {
	s := &paymentStore{payments: map[string]payment.Payment{}}
	for _, p := range ps {
		s.payments[p.ID] = p
	}
	return s
}

func (s *paymentStore) FindByGatewayIntentID(_ context.Context, gw, intentID string) (payment.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return payment.Payment{}, false, s.findErr
	}
	for _, p := range s.payments {
		if p.Gateway == gw && p.GatewayPaymentIntentID == intentID {
			return p, true, nil
		}
	}
	return payment.Payment{}, false, nil
}

func (s *paymentStore) GetByID(_ context.Context, id string) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

func (s *paymentStore) CompareAndSetStatus(_ context.Context, u payment.StatusUpdate) (payment.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payments[u.PaymentID]
	if p.Status != u.From {
		return p, false, nil
	}
	p.Status = u.To
	p.GatewayTransactionID = u.GatewayTransactionID
	s.payments[p.ID] = p
	return p, true, nil
}

func (s *paymentStore) status(id string) payment.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id].Status
}

type fakeFulfiller struct {
	mu          sync.Mutex
	succeeded   int
	orgActivate int
	failed      int
	refunded    int
	subs        []fulfillment.SubscriptionStatus
	err         error
}

func (f *fakeFulfiller) record(counter *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*counter++
	return f.err
}

func (f *fakeFulfiller) OnPaymentSucceeded(context.Context, payment.Payment) error {
	return f.record(&f.succeeded)
}

func (f *fakeFulfiller) OnOrganizationPaymentSucceeded(context.Context, string, payment.Payment, string, string) error {
	return f.record(&f.orgActivate)
}

func (f *fakeFulfiller) OnPaymentFailed(context.Context, payment.Payment) error {
	return f.record(&f.failed)
}

func (f *fakeFulfiller) OnPaymentRefunded(context.Context, payment.Payment) error {
	return f.record(&f.refunded)
}

func (f *fakeFulfiller) ApplySubscriptionStatus(_ context.Context, _ string, status fulfillment.SubscriptionStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, status)
	return f.err
}

func (f *fakeFulfiller) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFulfiller) succeededCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.succeeded
}

type harness struct {
	pipeline  *Pipeline
	ledger    *ledger.Memory
	payments  *paymentStore
	fulfiller *fakeFulfiller
	api       *fakeAPI
}

const testSecret = "mp-secret"

func newHarness(t *testing.T, ps ...payment.Payment) *harness {
	t.Helper()
	h := &harness{
		ledger:    ledger.NewMemory(),
		payments:  newPaymentStore(ps...),
		fulfiller: &fakeFulfiller{},
		api:       newFakeAPI(),
	}
	h.api.payments["987"] = gateway.PaymentDetail{ID: "987", Status: "approved", PreferenceID: "pref-1"}
	h.pipeline = &Pipeline{
		Adapters: map[string]Adapter{
			GatewayMercadoPago: {
				Verifier:   SignatureValidator{Secret: testSecret, Tolerance: 5 * time.Minute},
				Normalizer: MercadoPagoNormalizer{API: h.api},
			},
			GatewayXendit: {
				Verifier:   BodySignatureValidator{},
				Normalizer: XenditNormalizer{},
			},
		},
		Ledger:    h.ledger,
		Payments:  h.payments,
		Machine:   payment.Machine{Store: h.payments, Logger: zerolog.Nop()},
		Fulfiller: h.fulfiller,
		Logger:    zerolog.Nop(),
	}
	return h
}

// signed builds a MercadoPago notification signed with secret at ts.
func signed(t *testing.T, target, body, secret string, ts time.Time) Notification {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	n := ParseNotification(req, GatewayMercadoPago, []byte(body))
	n.Header = http.Header{}
	n.Header.Set("x-request-id", "req-"+strconv.FormatInt(ts.UnixNano(), 10))
	n.Header.Set("x-signature", SignMercadoPago(secret, n.ResourceID, n.Header.Get("x-request-id"), ts.Unix()))
	return n
}

func approvedBody(notificationID, paymentID, preference string) string {
	return `{"id":"` + notificationID + `","type":"payment","data":{"id":"` + paymentID + `","status":"approved","preference_id":"` + preference + `"}}`
}

func orderPayment(status payment.Status) payment.Payment {
	return payment.Payment{
		ID:                     "pay-1",
		OrderID:                "order-1",
		Purpose:                payment.PurposeOrder,
		Gateway:                GatewayMercadoPago,
		GatewayPaymentIntentID: "pref-1",
		Status:                 status,
	}
}

func ledgerRecord(gw, eventID string, meta json.RawMessage) ledger.Record {
	return ledger.Record{Gateway: gw, GatewayEventID: eventID, Metadata: meta}
}

func TestConcurrentDuplicateDeliveryFulfillsOnce(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	n := signed(t, "/webhooks/mercadopago", approvedBody("n-1", "987", "pref-1"), testSecret, time.Now())

	const deliveries = 12
	results := make([]Result, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.pipeline.Process(context.Background(), n)
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, res := range results {
		require.Equal(t, http.StatusOK, res.HTTPStatus())
		switch res.Outcome {
		case OutcomeProcessed:
			processed++
		case OutcomeDuplicate:
		default:
			t.Fatalf("unexpected outcome %s", res.Outcome)
		}
	}
	require.Equal(t, 1, processed)
	require.Equal(t, 1, h.fulfiller.succeededCalls())
	require.Equal(t, payment.StatusSucceeded, h.payments.status("pay-1"))

	rec, err := h.ledger.Get(context.Background(), GatewayMercadoPago, "n-1")
	require.NoError(t, err)
	require.True(t, rec.Processed())
}

func TestLateSuccessDoesNotRegressRefund(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusRefunded))
	n := signed(t, "/webhooks/mercadopago", approvedBody("n-late", "987", "pref-1"), testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, http.StatusOK, res.HTTPStatus())
	require.Equal(t, payment.Rejected, res.Decision.Verdict)
	require.Equal(t, payment.StatusRefunded, h.payments.status("pay-1"))
	require.Zero(t, h.fulfiller.succeededCalls())

	rec, err := h.ledger.Get(context.Background(), GatewayMercadoPago, "n-late")
	require.NoError(t, err)
	require.True(t, rec.Processed())
}

func TestUnknownPaymentIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.api.payments["988"] = gateway.PaymentDetail{ID: "988", Status: "approved", PreferenceID: "pref-unknown"}
	n := signed(t, "/webhooks/mercadopago", approvedBody("n-2", "988", "pref-unknown"), testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomePaymentNotFound, res.Outcome)
	require.Equal(t, http.StatusOK, res.HTTPStatus())
	require.Equal(t, 1, h.ledger.Len())
}

func TestRewrittenBodyCannotApprovePayment(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	h.api.payments["987"] = gateway.PaymentDetail{ID: "987", Status: "rejected", PreferenceID: "pref-other"}
	// the signature covers data.id only, so this body verifies
	n := signed(t, "/webhooks/mercadopago", approvedBody("n-forged", "987", "pref-1"), testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomePaymentNotFound, res.Outcome)
	require.EqualValues(t, 1, h.api.calls.Load())
	require.Equal(t, payment.StatusPending, h.payments.status("pay-1"))
	require.Zero(t, h.fulfiller.succeededCalls())
}

func TestTamperedSignatureNeverTouchesLedger(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	body := approvedBody("n-3", "987", "pref-1")

	for _, n := range []Notification{
		signed(t, "/webhooks/mercadopago", body, "not-the-secret", time.Now()),
		signed(t, "/webhooks/mercadopago", body, testSecret, time.Now().Add(-time.Hour)),
	} {
		res := h.pipeline.Process(context.Background(), n)
		require.Equal(t, OutcomeSignatureInvalid, res.Outcome)
		require.Equal(t, http.StatusUnauthorized, res.HTTPStatus())
	}
	require.Zero(t, h.ledger.Len())
	require.Equal(t, payment.StatusPending, h.payments.status("pay-1"))
}

func TestNormalizationFailureDefersWithoutClaim(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	h.api.err = gateway.ErrUnauthorized
	n := signed(t, "/webhooks/mercadopago?topic=payment&id=987", "", testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeDeferred, res.Outcome)
	require.ErrorIs(t, res.Err, ErrNormalizationFailed)
	require.Equal(t, http.StatusOK, res.HTTPStatus())
	require.Zero(t, h.ledger.Len())

	// the gateway's retry succeeds once the API answers
	h.api.err = nil
	h.api.payments["987"] = gateway.PaymentDetail{ID: "987", Status: "approved", PreferenceID: "pref-1"}
	res = h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, payment.StatusSucceeded, h.payments.status("pay-1"))
}

func TestUnprocessedOutcomesAreLogged(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	var buf bytes.Buffer
	h.pipeline.Logger = zerolog.New(&buf)
	h.api.err = errors.New("gateway timeout xyz")

	res := h.pipeline.Process(context.Background(), signed(t, "/webhooks/mercadopago?topic=payment&id=987", "", testSecret, time.Now()))
	require.Equal(t, OutcomeDeferred, res.Outcome)
	out := buf.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, `"message":"webhook_not_processed"`)
	require.Contains(t, out, `"outcome":"deferred"`)
	require.Contains(t, out, `"gateway":"mercadopago"`)
	require.Contains(t, out, `"resource_id":"987"`)
	require.Contains(t, out, "gateway timeout xyz")

	buf.Reset()
	res = h.pipeline.Process(context.Background(), signed(t, "/webhooks/mercadopago?topic=payment&id=987", "", "not-the-secret", time.Now()))
	require.Equal(t, OutcomeSignatureInvalid, res.Outcome)
	out = buf.String()
	require.Contains(t, out, `"level":"error"`)
	require.Contains(t, out, `"outcome":"signature_invalid"`)
	require.Contains(t, out, `"error":`)

	buf.Reset()
	h.api.err = nil
	require.Equal(t, OutcomeProcessed, h.pipeline.Process(context.Background(), signed(t, "/webhooks/mercadopago?topic=payment&id=987", "", testSecret, time.Now())).Outcome)
	require.NotContains(t, buf.String(), "webhook_not_processed")
}

func TestMissingIdentifierAndIgnoredTopic(t *testing.T) {
	h := newHarness(t)

	res := h.pipeline.Process(context.Background(), signed(t, "/webhooks/mercadopago", `{"type":"payment"}`, testSecret, time.Now()))
	require.Equal(t, OutcomeMissingIdentifier, res.Outcome)
	require.Equal(t, http.StatusOK, res.HTTPStatus())

	res = h.pipeline.Process(context.Background(), signed(t, "/webhooks/mercadopago?topic=chargebacks&id=1", "", testSecret, time.Now()))
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Zero(t, h.ledger.Len())

	res = h.pipeline.Process(context.Background(), Notification{Gateway: "paypal", ResourceID: "1"})
	require.Equal(t, OutcomeUnknownGateway, res.Outcome)
	require.Equal(t, http.StatusNotFound, res.HTTPStatus())
}

func TestMerchantOrderPendingThenApproved(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	h.api.orders["mo-1"] = gateway.MerchantOrder{ID: "mo-1", PreferenceID: "pref-1"}
	target := "/webhooks/mercadopago?topic=merchant_order&id=mo-1"

	res := h.pipeline.Process(context.Background(), signed(t, target, "", testSecret, time.Now()))
	require.Equal(t, OutcomeNoop, res.Outcome)
	require.Equal(t, payment.StatusPending, h.payments.status("pay-1"))

	res = h.pipeline.Process(context.Background(), signed(t, target, "", testSecret, time.Now()))
	require.Equal(t, OutcomeDuplicate, res.Outcome)

	order := h.api.orders["mo-1"]
	order.Payments = []gateway.MerchantOrderPayment{{ID: "987", Status: "approved"}}
	h.api.orders["mo-1"] = order

	res = h.pipeline.Process(context.Background(), signed(t, target, "", testSecret, time.Now()))
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, payment.StatusSucceeded, h.payments.status("pay-1"))
	require.Equal(t, 1, h.fulfiller.succeededCalls())
	require.Equal(t, 2, h.ledger.Len())
}

func TestFulfillmentFailureLeavesClaimForReplay(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	h.fulfiller.setErr(errors.New("orders table locked"))
	n := signed(t, "/webhooks/mercadopago", approvedBody("n-4", "987", "pref-1"), testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeFulfillmentFailed, res.Outcome)
	require.Equal(t, http.StatusOK, res.HTTPStatus())
	require.False(t, res.Retryable)
	require.Equal(t, payment.StatusSucceeded, h.payments.status("pay-1"))

	rec, err := h.ledger.Get(context.Background(), GatewayMercadoPago, "n-4")
	require.NoError(t, err)
	require.False(t, rec.Processed())
	require.Contains(t, rec.LastError, "orders table locked")

	// a redelivery is a duplicate; only a replay finishes the job
	require.Equal(t, OutcomeDuplicate, h.pipeline.Process(context.Background(), n).Outcome)

	h.fulfiller.setErr(nil)
	res = h.pipeline.Replay(context.Background(), rec)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, 2, h.fulfiller.succeededCalls())

	rec, err = h.ledger.Get(context.Background(), GatewayMercadoPago, "n-4")
	require.NoError(t, err)
	require.True(t, rec.Processed())

	require.Equal(t, OutcomeDuplicate, h.pipeline.Replay(context.Background(), rec).Outcome)
}

func TestReplayFailureKeepsClaim(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusSucceeded))
	meta, err := EncodeEvent(PaymentEvent{
		Gateway:                GatewayMercadoPago,
		GatewayEventID:         "n-5",
		Topic:                  TopicPayment,
		GatewayPaymentIntentID: "pref-1",
		Status:                 payment.StatusSucceeded,
	})
	require.NoError(t, err)
	_, err = h.ledger.Claim(context.Background(), ledger.Claim{Gateway: GatewayMercadoPago, GatewayEventID: "n-5", Type: "payment", Metadata: meta})
	require.NoError(t, err)
	rec, err := h.ledger.Get(context.Background(), GatewayMercadoPago, "n-5")
	require.NoError(t, err)

	h.fulfiller.setErr(errors.New("still broken"))
	res := h.pipeline.Replay(context.Background(), rec)
	require.Equal(t, OutcomeFulfillmentFailed, res.Outcome)

	rec, err = h.ledger.Get(context.Background(), GatewayMercadoPago, "n-5")
	require.NoError(t, err)
	require.False(t, rec.Processed())
	require.Equal(t, "still broken", rec.LastError)
}

func TestStoreOutageReleasesClaim(t *testing.T) {
	h := newHarness(t, orderPayment(payment.StatusPending))
	h.payments.findErr = errors.New("connection refused")
	n := signed(t, "/webhooks/mercadopago", approvedBody("n-6", "987", "pref-1"), testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeInternal, res.Outcome)
	require.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	require.True(t, res.Retryable)
	require.Zero(t, h.ledger.Len())

	h.payments.findErr = nil
	require.Equal(t, OutcomeProcessed, h.pipeline.Process(context.Background(), n).Outcome)
}

func TestSubscriptionFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.api.preapprovals["pre-1"] = gateway.Preapproval{ID: "pre-1", Status: "authorized", ExternalReference: "org-1"}
	h.fulfiller.setErr(errors.New("deadlock"))
	n := signed(t, "/webhooks/mercadopago?topic=preapproval&id=pre-1", "", testSecret, time.Now())

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeFulfillmentFailed, res.Outcome)
	require.True(t, res.Retryable)
	require.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	require.Zero(t, h.ledger.Len())

	h.fulfiller.setErr(nil)
	res = h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, []fulfillment.SubscriptionStatus{fulfillment.SubscriptionActive, fulfillment.SubscriptionActive}, h.fulfiller.subs)
}

func TestSubscriptionPaymentActivatesOrganization(t *testing.T) {
	p := payment.Payment{
		ID:                     "pay-9",
		OrganizationID:         "org-9",
		Purpose:                payment.PurposeSubscription,
		Gateway:                GatewayXendit,
		GatewayPaymentIntentID: "pref-9",
		Status:                 payment.StatusPending,
	}
	h := newHarness(t, p)
	body := `{"id":"inv-1","external_id":"pref-9","status":"PAID"}`
	n := ParseNotification(httptest.NewRequest(http.MethodPost, "/webhooks/xendit", strings.NewReader(body)), GatewayXendit, []byte(body))

	res := h.pipeline.Process(context.Background(), n)
	require.Equal(t, OutcomeProcessed, res.Outcome)
	require.Equal(t, "inv-1:succeeded", res.EventID)
	require.Equal(t, 1, h.fulfiller.orgActivate)
	require.Zero(t, h.fulfiller.succeeded)
}
