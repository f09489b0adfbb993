package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/models"
)

// ProposalView a proposal with what its policy would allow. Decision support only:
// nothing here approves or executes anything.
type ProposalView struct {
	models.Proposal
	Policy PolicyVerdict `json:"policy"`
}

// AutomationService regenerates proposals from the current candidate signals.
type AutomationService struct {
	candidates     *CandidateService
	policies       *PolicyService
	minOverdueDays int
	thresholdDays  int
	logger         *logrus.Logger
	now            func() time.Time
}

func NewAutomationService(candidates *CandidateService, policies *PolicyService, minOverdueDays, thresholdDays int, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		candidates:     candidates,
		policies:       policies,
		minOverdueDays: minOverdueDays,
		thresholdDays:  thresholdDays,
		logger:         logger,
		now:            time.Now,
	}
}

// Proposals scans candidates and generates the current proposals.
func (s *AutomationService) Proposals(ctx context.Context) ([]models.Proposal, error) {
	now := s.now()
	invoices, err := s.candidates.OverdueInvoices(ctx, now)
	if err != nil {
		return nil, err
	}
	tickets, err := s.candidates.NoReplyTickets(ctx, now)
	if err != nil {
		return nil, err
	}
	return GenerateProposals(invoices, tickets, s.minOverdueDays, s.thresholdDays), nil
}

// ListProposals returns the current proposals annotated with their policy verdicts.
func (s *AutomationService) ListProposals(ctx context.Context) ([]ProposalView, error) {
	proposals, err := s.Proposals(ctx)
	if err != nil {
		return nil, err
	}
	policies, err := s.policies.List(ctx)
	if err != nil {
		return nil, err
	}
	byType := make(map[models.ProposalType]models.AutomationPolicy, len(policies))
	for _, p := range policies {
		byType[p.ProposalType] = p
	}
	out := make([]ProposalView, 0, len(proposals))
	for _, p := range proposals {
		policy, ok := byType[p.Type]
		if !ok {
			policy = DefaultPolicy(p.Type)
		}
		out = append(out, ProposalView{Proposal: p, Policy: EvaluatePolicy(p, policy)})
	}
	return out, nil
}

// FindProposal returns the current proposal with the given id. A proposal whose signal
// changed since it was listed (paid invoice, answered ticket, another day overdue) has
// a different id and is no longer found.
func (s *AutomationService) FindProposal(ctx context.Context, id string) (*models.Proposal, error) {
	proposals, err := s.Proposals(ctx)
	if err != nil {
		return nil, err
	}
	for i := range proposals {
		if proposals[i].ID == id {
			return &proposals[i], nil
		}
	}
	return nil, ErrProposalNotFound
}
