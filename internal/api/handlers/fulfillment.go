// Package handlers provides HTTP handlers for the fulfillment API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medvend/go-pfe/internal/api/middleware"
	"github.com/medvend/go-pfe/internal/domain/fulfillment"
	"github.com/medvend/go-pfe/internal/observability/metrics"
)

// FulfillmentHandler exposes the purchase engine over HTTP.
type FulfillmentHandler struct {
	resolver    *fulfillment.Resolver
	coordinator *fulfillment.Coordinator
	issuer      *fulfillment.Issuer
	ledger      *fulfillment.Ledger
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewFulfillmentHandler creates the patient-facing handler set.
func NewFulfillmentHandler(
	resolver *fulfillment.Resolver,
	coordinator *fulfillment.Coordinator,
	issuer *fulfillment.Issuer,
	ledger *fulfillment.Ledger,
	m *metrics.Metrics,
	logger *zap.Logger,
) *FulfillmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FulfillmentHandler{
		resolver:    resolver,
		coordinator: coordinator,
		issuer:      issuer,
		ledger:      ledger,
		metrics:     m,
		logger:      logger,
	}
}

// Routes returns the patient-facing routes. All of them sit behind
// PatientAuth.
func (h *FulfillmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/availability/{prescriptionID}", h.Availability)
	r.Post("/checkout", h.Checkout)
	r.Get("/purchases/{id}", h.GetPurchase)
	r.Post("/purchases/{id}/token", h.IssueToken)
	r.Get("/patients/{id}/purchases", h.PatientPurchases)
	return r
}

// machineJSON is a machine candidate in availability responses.
type machineJSON struct {
	Code      string `json:"code"`
	Location  string `json:"location"`
	Available int    `json:"available"`
}

// availabilityItemJSON is one resolved prescription line.
type availabilityItemJSON struct {
	ItemID       int64         `json:"item_id"`
	MedicineID   int64         `json:"medicine_id"`
	MedicineName string        `json:"medicine_name"`
	Quantity     int           `json:"quantity"`
	PriceCents   int64         `json:"price_cents"`
	Machines     []machineJSON `json:"machines,omitempty"`
}

// Availability handles GET /availability/{prescriptionID}.
func (h *FulfillmentHandler) Availability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("fulfillment-handler")
	ctx, span := tracer.Start(ctx, "resolve_availability")
	defer span.End()

	prescriptionID, err := strconv.ParseInt(chi.URLParam(r, "prescriptionID"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("prescription_id", prescriptionID))

	avail, err := h.resolver.Resolve(ctx, prescriptionID)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.metrics.AvailabilityQueries.Inc()

	resp := struct {
		PrescriptionID int64                  `json:"prescription_id"`
		Available      []availabilityItemJSON `json:"available"`
		Unavailable    []availabilityItemJSON `json:"unavailable"`
	}{
		PrescriptionID: avail.PrescriptionID,
		Available:      toItemJSON(avail.Available),
		Unavailable:    toItemJSON(avail.Unavailable),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func toItemJSON(items []fulfillment.ResolvedItem) []availabilityItemJSON {
	out := make([]availabilityItemJSON, 0, len(items))
	for _, it := range items {
		j := availabilityItemJSON{
			ItemID:       it.ItemID,
			MedicineID:   it.MedicineID,
			MedicineName: it.MedicineName,
			Quantity:     it.Quantity,
			PriceCents:   it.PriceCents,
		}
		for _, m := range it.Machines {
			j.Machines = append(j.Machines, machineJSON{Code: m.Code, Location: m.Location, Available: m.Available})
		}
		out = append(out, j)
	}
	return out
}

// checkoutItemJSON is one line of the checkout body.
type checkoutItemJSON struct {
	MedicineID    int64  `json:"medicine_id"`
	Quantity      int    `json:"quantity"`
	MachineCode   string `json:"machine_code"`
	PaymentMethod string `json:"payment_method"`
}

// CheckoutRequest is the body for POST /checkout. The patient identity
// comes from the API key, never from the body.
type CheckoutRequest struct {
	PrescriptionID int64              `json:"prescription_id"`
	Items          []checkoutItemJSON `json:"items"`
}

// tokenJSON is the issued-token response shape.
type tokenJSON struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Checkout handles POST /checkout. The purchase commits first; token
// issuance runs strictly after commit, and its failure does not undo the
// purchase — the client re-requests the token.
func (h *FulfillmentHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("fulfillment-handler")
	ctx, span := tracer.Start(ctx, "checkout")
	defer span.End()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	domainReq := &fulfillment.CheckoutRequest{
		PrescriptionID: req.PrescriptionID,
		PatientID:      middleware.GetPatientID(ctx),
	}
	for _, it := range req.Items {
		domainReq.Items = append(domainReq.Items, fulfillment.CheckoutItem{
			MedicineID:    it.MedicineID,
			Quantity:      it.Quantity,
			MachineCode:   it.MachineCode,
			PaymentMethod: it.PaymentMethod,
		})
	}

	start := time.Now()
	result, err := h.coordinator.Checkout(ctx, domainReq)
	if err != nil {
		h.metrics.CheckoutsRejected.With(prometheus.Labels{"kind": string(fulfillment.KindOf(err))}).Inc()
		if fulfillment.IsKind(err, fulfillment.KindInsufficientStock) {
			h.metrics.InsufficientStock.Inc()
		}
		h.domainError(w, r, err)
		return
	}
	h.metrics.CheckoutDuration.Observe(time.Since(start).Seconds())
	h.metrics.CheckoutsCompleted.Inc()
	span.SetAttributes(attribute.Int64("purchase_id", result.Purchase.ID))

	resp := struct {
		Purchase purchaseJSON `json:"purchase"`
		Token    *tokenJSON   `json:"token"`
	}{
		Purchase: toPurchaseJSON(result.Purchase, result.Items),
	}

	issued, err := h.issuer.Issue(ctx, result.Purchase.ID)
	if err != nil {
		// The purchase is committed; surface it without a token and let the
		// client retry issuance.
		h.logger.Warn("token issuance after checkout failed",
			zap.Int64("purchase_id", result.Purchase.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
	} else {
		h.metrics.TokensIssued.Inc()
		resp.Purchase.State = fulfillment.PurchaseTokenIssued.String()
		resp.Token = &tokenJSON{Token: issued.Token, ExpiresAt: issued.ExpiresAt}
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// purchaseJSON is the ledger's wire shape.
type purchaseJSON struct {
	ID             int64              `json:"id"`
	PrescriptionID int64              `json:"prescription_id"`
	PaymentMethod  string             `json:"payment_method"`
	PaymentStatus  string             `json:"payment_status"`
	TotalCents     int64              `json:"total_cents"`
	State          string             `json:"state"`
	CreatedAt      time.Time          `json:"created_at"`
	Items          []purchaseItemJSON `json:"items"`
}

type purchaseItemJSON struct {
	MedicineID   int64  `json:"medicine_id"`
	MedicineName string `json:"medicine_name"`
	Quantity     int    `json:"quantity"`
	UnitCents    int64  `json:"unit_cents"`
	AmountCents  int64  `json:"amount_cents"`
	MachineCode  string `json:"machine_code"`
}

func toPurchaseJSON(p *fulfillment.Purchase, items []fulfillment.PurchaseItem) purchaseJSON {
	j := purchaseJSON{
		ID:             p.ID,
		PrescriptionID: p.PrescriptionID,
		PaymentMethod:  p.PaymentMethod,
		PaymentStatus:  p.PaymentStatus,
		TotalCents:     p.TotalCents,
		State:          p.State.String(),
		CreatedAt:      p.CreatedAt,
		Items:          make([]purchaseItemJSON, 0, len(items)),
	}
	for _, it := range items {
		j.Items = append(j.Items, purchaseItemJSON{
			MedicineID:   it.MedicineID,
			MedicineName: it.MedicineName,
			Quantity:     it.Quantity,
			UnitCents:    it.UnitCents,
			AmountCents:  it.AmountCents,
			MachineCode:  it.MachineCode,
		})
	}
	return j
}

// GetPurchase handles GET /purchases/{id}.
func (h *FulfillmentHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid purchase id", http.StatusBadRequest)
		return
	}

	rec, err := h.ledger.Purchase(ctx, id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	if rec.Purchase.PatientID != middleware.GetPatientID(ctx) {
		h.jsonError(w, "purchase not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, toPurchaseJSON(&rec.Purchase, rec.Items))
}

// IssueToken handles POST /purchases/{id}/token.
func (h *FulfillmentHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid purchase id", http.StatusBadRequest)
		return
	}

	rec, err := h.ledger.Purchase(ctx, id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	if rec.Purchase.PatientID != middleware.GetPatientID(ctx) {
		h.jsonError(w, "purchase not found", http.StatusNotFound)
		return
	}

	issued, err := h.issuer.Issue(ctx, id)
	if err != nil {
		h.domainError(w, r, err)
		return
	}
	h.metrics.TokensIssued.Inc()

	h.writeJSON(w, http.StatusCreated, tokenJSON{Token: issued.Token, ExpiresAt: issued.ExpiresAt})
}

// PatientPurchases handles GET /patients/{id}/purchases. Patients can only
// read their own ledger.
func (h *FulfillmentHandler) PatientPurchases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	patientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid patient id", http.StatusBadRequest)
		return
	}
	if patientID != middleware.GetPatientID(ctx) {
		h.jsonError(w, "forbidden", http.StatusForbidden)
		return
	}

	records, err := h.ledger.PatientPurchases(ctx, patientID)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	out := make([]purchaseJSON, 0, len(records))
	for i := range records {
		out = append(out, toPurchaseJSON(&records[i].Purchase, records[i].Items))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// domainError maps domain error kinds to HTTP statuses.
func (h *FulfillmentHandler) domainError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch fulfillment.KindOf(err) {
	case fulfillment.KindValidation:
		status = http.StatusBadRequest
	case fulfillment.KindNotFound:
		status = http.StatusNotFound
	case fulfillment.KindInvalidState, fulfillment.KindInsufficientStock:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", status)
		return
	}
	h.jsonError(w, err.Error(), status)
}

func (h *FulfillmentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *FulfillmentHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
