package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
	"github.com/avolkov/teopay-system/internal/repository"
)

type failCall struct {
	snapshotID int64
	to         model.SnapshotStatus
}

type stubRepo struct {
	tier    *model.Tier
	tierErr error

	balance      decimal.Decimal
	balanceErr   error
	transactions []model.WalletTransaction

	active      *model.DiscountSnapshot
	activeAfter *model.DiscountSnapshot
	activeCalls int

	holdID          int64
	holdErr         error
	createHoldCalls int
	lastHoldAmount  decimal.Decimal
	lastHoldRef     string

	releasedHolds []int64

	snapshotErr error
	createdSnap *model.DiscountSnapshot
	createdDec  *model.TeacherDecision

	superseded []int64

	snapByID      *model.DiscountSnapshot
	snapBySession *model.DiscountSnapshot
	snapByIntent  *model.DiscountSnapshot
	snapByOrder   *model.DiscountSnapshot

	settleResult  repository.SettleResult
	settleErr     error
	settleErrOnce bool
	confirmedPaid []int64
	failCalls     []failCall
	settledEvents map[string]bool

	decision    *model.TeacherDecision
	decisionErr error
	finalizeOut repository.DecisionOutcome
	finalizeErr error

	pending []repository.PendingDecision

	orphans        []model.DiscountSnapshot
	expiredPending []model.TeacherDecision
	expireOK       bool
	expiredIDs     []int64

	needingDecision []model.DiscountSnapshot
	hasPending      bool
	attachedTo      []int64
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) TierByName(ctx context.Context, name string) (*model.Tier, error) {
	if r.tierErr != nil {
		return nil, r.tierErr
	}
	if r.tier == nil {
		return nil, repository.ErrTierNotFound
	}
	return r.tier, nil
}

func (r *stubRepo) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return r.balance, r.balanceErr
}

func (r *stubRepo) EffectiveAvailable(ctx context.Context, userID int64) (model.WalletBalance, error) {
	return model.WalletBalance{Balance: r.balance, EffectiveAvailable: r.balance}, nil
}

func (r *stubRepo) TransactionsByUser(ctx context.Context, userID int64, limit int) ([]model.WalletTransaction, error) {
	return r.transactions, nil
}

func (r *stubRepo) CreateHold(ctx context.Context, userID int64, amount decimal.Decimal, description string, courseID *int64, reference string) (int64, error) {
	r.createHoldCalls++
	r.lastHoldAmount = amount
	r.lastHoldRef = reference
	if r.holdErr != nil {
		return 0, r.holdErr
	}
	return r.holdID, nil
}

func (r *stubRepo) ReleaseHold(ctx context.Context, holdID int64, reason string) (decimal.Decimal, error) {
	r.releasedHolds = append(r.releasedHolds, holdID)
	return decimal.Zero, nil
}

func (r *stubRepo) CreateSnapshot(ctx context.Context, snap *model.DiscountSnapshot, dec *model.TeacherDecision) error {
	if r.snapshotErr != nil {
		return r.snapshotErr
	}
	snap.ID = 11
	if dec != nil {
		dec.ID = 3
		dec.SnapshotID = snap.ID
		snap.DecisionID = &dec.ID
	}
	r.createdSnap = snap
	r.createdDec = dec
	return nil
}

func (r *stubRepo) FindActiveSnapshot(ctx context.Context, studentID, courseID int64, checkoutSessionID string) (*model.DiscountSnapshot, error) {
	r.activeCalls++
	if r.activeCalls > 1 && r.activeAfter != nil {
		return r.activeAfter, nil
	}
	if r.active == nil {
		return nil, repository.ErrSnapshotNotFound
	}
	return r.active, nil
}

func (r *stubRepo) SnapshotByID(ctx context.Context, id int64) (*model.DiscountSnapshot, error) {
	if r.snapByID == nil {
		return nil, repository.ErrSnapshotNotFound
	}
	return r.snapByID, nil
}

func (r *stubRepo) SnapshotByOrderID(ctx context.Context, orderID string) (*model.DiscountSnapshot, error) {
	if r.snapByOrder == nil {
		return nil, repository.ErrSnapshotNotFound
	}
	return r.snapByOrder, nil
}

func (r *stubRepo) SnapshotByStripeSession(ctx context.Context, sessionID string) (*model.DiscountSnapshot, error) {
	if r.snapBySession == nil {
		return nil, repository.ErrSnapshotNotFound
	}
	return r.snapBySession, nil
}

func (r *stubRepo) SnapshotByStripeIntent(ctx context.Context, intentID string) (*model.DiscountSnapshot, error) {
	if r.snapByIntent == nil {
		return nil, repository.ErrSnapshotNotFound
	}
	return r.snapByIntent, nil
}

func (r *stubRepo) SupersedeSnapshot(ctx context.Context, snapshotID int64) error {
	r.superseded = append(r.superseded, snapshotID)
	return nil
}

// settleEvent воспроизводит транзакционную дедупликацию: событие считается
// обработанным только после успешного расчёта, сбой оставляет его свободным.
func (r *stubRepo) settleEvent(eventID string) (repository.SettleResult, bool, error) {
	if eventID != "" && r.settledEvents[eventID] {
		return repository.SettleResult{Duplicate: true}, true, nil
	}
	if r.settleErr != nil {
		err := r.settleErr
		if r.settleErrOnce {
			r.settleErr = nil
		}
		return repository.SettleResult{}, true, err
	}
	if eventID != "" {
		if r.settledEvents == nil {
			r.settledEvents = make(map[string]bool)
		}
		r.settledEvents[eventID] = true
	}
	return repository.SettleResult{}, false, nil
}

func (r *stubRepo) ConfirmSnapshotPaid(ctx context.Context, snapshotID int64, paymentIntentID, eventID, eventType string) (repository.SettleResult, error) {
	if res, done, err := r.settleEvent(eventID); done {
		return res, err
	}
	r.confirmedPaid = append(r.confirmedPaid, snapshotID)
	return r.settleResult, nil
}

func (r *stubRepo) FailSnapshot(ctx context.Context, snapshotID int64, to model.SnapshotStatus, reason, eventID, eventType string) (repository.SettleResult, error) {
	if res, done, err := r.settleEvent(eventID); done {
		return res, err
	}
	r.failCalls = append(r.failCalls, failCall{snapshotID: snapshotID, to: to})
	return r.settleResult, nil
}

func (r *stubRepo) ListOrphanedSnapshots(ctx context.Context, cutoff time.Time, limit int) ([]model.DiscountSnapshot, error) {
	return r.orphans, nil
}

func (r *stubRepo) ListSnapshotsNeedingDecision(ctx context.Context, limit int) ([]model.DiscountSnapshot, error) {
	return r.needingDecision, nil
}

func (r *stubRepo) AttachDecision(ctx context.Context, snapshotID int64, dec *model.TeacherDecision) error {
	dec.ID = int64(100 + len(r.attachedTo))
	r.attachedTo = append(r.attachedTo, snapshotID)
	return nil
}

func (r *stubRepo) DecisionByID(ctx context.Context, id int64) (*model.TeacherDecision, error) {
	if r.decisionErr != nil {
		return nil, r.decisionErr
	}
	if r.decision == nil {
		return nil, repository.ErrDecisionNotFound
	}
	return r.decision, nil
}

func (r *stubRepo) PendingDecisionsByTeacher(ctx context.Context, teacherID int64) ([]repository.PendingDecision, error) {
	return r.pending, nil
}

func (r *stubRepo) HasPendingDecision(ctx context.Context, teacherID, studentID, courseID int64) (bool, error) {
	return r.hasPending, nil
}

func (r *stubRepo) FinalizeDecision(ctx context.Context, decisionID int64, accept bool, now time.Time) (repository.DecisionOutcome, error) {
	return r.finalizeOut, r.finalizeErr
}

func (r *stubRepo) ListExpiredPendingDecisions(ctx context.Context, now time.Time, limit int) ([]model.TeacherDecision, error) {
	return r.expiredPending, nil
}

func (r *stubRepo) ExpireDecision(ctx context.Context, decisionID int64, now time.Time) (bool, error) {
	if r.expireOK {
		r.expiredIDs = append(r.expiredIDs, decisionID)
	}
	return r.expireOK, nil
}

type notifyCall struct {
	kind       string
	userID     int64
	decisionID int64
	orderID    string
}

type stubNotifier struct {
	calls []notifyCall
	err   error
}

func (n *stubNotifier) TeacherDecisionRequested(ctx context.Context, teacherID, decisionID int64, orderID string) error {
	n.calls = append(n.calls, notifyCall{kind: "decision_requested", userID: teacherID, decisionID: decisionID, orderID: orderID})
	return n.err
}

func (n *stubNotifier) PaymentSettled(ctx context.Context, studentID int64, orderID string) error {
	n.calls = append(n.calls, notifyCall{kind: "payment_settled", userID: studentID, orderID: orderID})
	return n.err
}

func (n *stubNotifier) DecisionExpired(ctx context.Context, teacherID, decisionID int64) error {
	n.calls = append(n.calls, notifyCall{kind: "decision_expired", userID: teacherID, decisionID: decisionID})
	return n.err
}

func newTestService(repo *stubRepo, notifier *stubNotifier) *Service {
	var n Notifier
	if notifier != nil {
		n = notifier
	}
	return NewService(repo, n, nil, Options{})
}
