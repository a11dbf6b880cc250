package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"escrow/internal/reimbursement/calculator"
	"escrow/internal/reimbursement/handler/mocks"
	"escrow/internal/reimbursement/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	service  *mocks.MockService
	router   chi.Router
	contract id.ContractID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
	s.contract = id.ContractID(uuid.New())
}

func (s *HandlerSuite) contractPath(suffix string) string {
	return "/contracts/" + s.contract.String() + "/reimbursements" + suffix
}

func (s *HandlerSuite) TestQuoteLostWages() {
	s.service.EXPECT().Quote(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ any, c models.Claim) (*models.Quote, error) {
			s.Equal(s.contract, c.ContractID)
			s.Equal(id.CategoryLostWages, c.Category)
			s.Require().NotNil(c.Employment)
			s.Equal(calculator.KindHourly, c.Employment.Type)
			s.Equal(id.Money(2400), c.Employment.Rate)
			s.True(decimal.NewFromInt(4).Equal(c.Employment.HoursMissed))
			return &models.Quote{Category: c.Category, Amount: id.Money(9600), WithinCap: true}, nil
		})

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, s.contractPath("/quote"),
		map[string]any{
			"category":   "lost_wages",
			"employment": map[string]any{"type": "hourly", "rate": "24.00", "hours_missed": "4"},
		}))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	testutil.AssertJSONContains(s.T(), rr, "amount", "96.00")
}

func (s *HandlerSuite) TestSubmit() {
	s.Run("accepted", func() {
		reimbursementID := id.ReimbursementID(uuid.New())
		s.service.EXPECT().Submit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ any, c models.Claim) (*models.Request, error) {
				s.Equal(id.CategoryChildcare, c.Category)
				s.Equal(id.Dollars(120), c.Amount)
				s.Equal("sitter invoice", c.Notes)
				return &models.Request{ID: reimbursementID, ContractID: s.contract, Status: models.StatusSubmitted}, nil
			})

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, s.contractPath(""),
			map[string]any{"category": "childcare", "amount": 120, "evidence": []string{"inv-7"}, "notes": " sitter invoice "}))
		testutil.AssertStatus(s.T(), rr, http.StatusAccepted)
		got := testutil.UnmarshalResponse[models.Request](s.T(), rr)
		s.Equal(reimbursementID, got.ID)
	})

	s.Run("unknown category", func() {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, s.contractPath(""),
			map[string]any{"category": "yacht", "amount": 120}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	})

	s.Run("unknown field", func() {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, s.contractPath(""),
			map[string]any{"category": "childcare", "amount": 120, "bonus": true}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("cap exceeded", func() {
		s.service.EXPECT().Submit(gomock.Any(), gomock.Any()).
			Return(nil, &id.CapExceededError{
				Category:    id.CategoryLostWages,
				Period:      "monthly",
				Requested:   id.Dollars(100),
				AlreadyUsed: id.Dollars(1350),
				Cap:         id.Dollars(1400),
			})

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, s.contractPath(""),
			map[string]any{
				"category":   "lost_wages",
				"employment": map[string]any{"type": "hourly", "rate": "25.00", "hours_missed": "4"},
				"evidence":   []string{"paystub"},
			}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnprocessableEntity, "cap_exceeded")
	})
}

func (s *HandlerSuite) TestListNeverNull() {
	s.service.EXPECT().ListByContract(gomock.Any(), s.contract).Return(nil, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, s.contractPath("")))
	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	s.JSONEq("[]", string(testutil.ReadBody(s.T(), rr)))
}

func (s *HandlerSuite) TestGet() {
	reimbursementID := id.ReimbursementID(uuid.New())

	s.Run("found", func() {
		s.service.EXPECT().Get(gomock.Any(), reimbursementID).
			Return(&models.Request{ID: reimbursementID, Status: models.StatusApproved}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/reimbursements/"+reimbursementID.String()))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "status", "approved")
	})

	s.Run("bad id", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/reimbursements/not-a-uuid"))
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("not found", func() {
		s.service.EXPECT().Get(gomock.Any(), reimbursementID).
			Return(nil, dErrors.New(dErrors.CodeNotFound, "reimbursement not found"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/reimbursements/"+reimbursementID.String()))
		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
	})
}

func (s *HandlerSuite) TestResubmit() {
	reimbursementID := id.ReimbursementID(uuid.New())
	path := "/reimbursements/" + reimbursementID.String() + "/evidence"

	s.Run("accepted", func() {
		s.service.EXPECT().Resubmit(gomock.Any(), reimbursementID, []string{"receipt-2"}, "itemized").
			Return(&models.Request{ID: reimbursementID, Status: models.StatusSubmitted}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, path,
			map[string]any{"documents": []string{"receipt-2"}, "notes": "itemized "}))
		testutil.AssertStatus(s.T(), rr, http.StatusAccepted)
	})

	s.Run("documents required", func() {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, path,
			map[string]any{"notes": "nothing"}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("not awaiting information", func() {
		s.service.EXPECT().Resubmit(gomock.Any(), reimbursementID, []string{"receipt-2"}, "").
			Return(nil, &id.InvalidStateError{Entity: "reimbursement", From: "approved", Action: "resubmit"})

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, path,
			map[string]any{"documents": []string{"receipt-2"}}))
		testutil.AssertStatus(s.T(), rr, http.StatusConflict)
	})
}
