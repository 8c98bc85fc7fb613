package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/service"
)

type stubVoucherService struct {
	VoucherService
	filter   service.VoucherFilterInput
	actor    service.Actor
	assigned service.AssignVoucherInput
}

func (s *stubVoucherService) ListForPartner(_ context.Context, actor service.Actor, in service.VoucherFilterInput) (repository.PageResult[domain.Voucher], error) {
	s.actor, s.filter = actor, in
	return repository.PageResult[domain.Voucher]{Items: []domain.Voucher{{ID: 1, Code: "BDA-AAAA"}}, Page: 1, PageSize: 20, Total: 1, TotalPages: 1}, nil
}

func (s *stubVoucherService) Assign(_ context.Context, _ service.Actor, in service.AssignVoucherInput) (*domain.Voucher, error) {
	s.assigned = in
	if in.Code == "USED" {
		return nil, repository.ErrVoucherUnavailable
	}
	return &domain.Voucher{ID: 2, Code: in.Code}, nil
}

func TestVoucherHandlerListPassesFilters(t *testing.T) {
	vouchers := &stubVoucherService{}
	h := NewVoucherHandler(vouchers)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/partner/vouchers?partner_id=5&certification_id=2&status=active&page=1", nil), "9", domain.RoleECP)
	rr := httptest.NewRecorder()
	h.List(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	f := vouchers.filter
	if f.PartnerID == nil || *f.PartnerID != 5 || f.CertificationID == nil || *f.CertificationID != 2 || f.Status != "active" {
		t.Fatalf("unexpected filter %+v", f)
	}
	if vouchers.actor.UserID != 9 || vouchers.actor.Role != domain.RoleECP {
		t.Fatalf("unexpected actor %+v", vouchers.actor)
	}

	req = asUser(httptest.NewRequest(http.MethodGet, "/api/v1/partner/vouchers?partner_id=abc", nil), "9", domain.RoleECP)
	rr = httptest.NewRecorder()
	h.List(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad partner_id, got %d", rr.Code)
	}
}

func TestVoucherHandlerAssign(t *testing.T) {
	vouchers := &stubVoucherService{}
	h := NewVoucherHandler(vouchers)

	req := asUser(jsonRequest(http.MethodPost, "/api/v1/partner/vouchers/assign", `{"code":"BDA-AAAA","email":"cand@example.org"}`), "9", domain.RoleECP)
	rr := httptest.NewRecorder()
	h.Assign(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if vouchers.assigned.Email != "cand@example.org" {
		t.Fatalf("unexpected assign input %+v", vouchers.assigned)
	}

	req = asUser(jsonRequest(http.MethodPost, "/api/v1/partner/vouchers/assign", `{"code":"USED","email":"cand@example.org"}`), "9", domain.RoleECP)
	rr = httptest.NewRecorder()
	h.Assign(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an unavailable voucher, got %d", rr.Code)
	}
}
