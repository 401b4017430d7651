package apiserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldbell/custody/backend/internal/clock"
	"github.com/coldbell/custody/backend/internal/custody"
	"github.com/coldbell/custody/backend/internal/engine"
	"github.com/coldbell/custody/backend/internal/indexer"
	"github.com/coldbell/custody/backend/internal/instruction"
	"github.com/coldbell/custody/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

// simulateRequest runs one instruction against an indexed record, or against
// DataBase64 when given, at a caller-chosen clock. Nothing is persisted.
type simulateRequest struct {
	Custody          string         `json:"custody"`
	DataBase64       string         `json:"data_b64,omitempty"`
	CustodyLamports  *uint64        `json:"custody_lamports,omitempty"`
	Signer           string         `json:"signer"`
	SignerLamports   uint64         `json:"signer_lamports"`
	Refund           string         `json:"refund,omitempty"`
	Payout           string         `json:"payout,omitempty"`
	Treasury         string         `json:"treasury,omitempty"`
	TreasuryLamports uint64         `json:"treasury_lamports,omitempty"`
	Action           string         `json:"action"`
	Value            uint64         `json:"value,omitempty"`
	Relative         bool           `json:"relative,omitempty"`
	Clock            clock.Snapshot `json:"clock"`
}

type simulateResponse struct {
	OK       bool              `json:"ok"`
	Code     custody.Code      `json:"code"`
	CodeName string            `json:"code_name"`
	Outcome  engine.Outcome    `json:"outcome"`
	Record   *recordView       `json:"record,omitempty"`
	Balances map[string]uint64 `json:"balances"`
}

type recordView struct {
	Status       string      `json:"status"`
	DeadlineKind string      `json:"deadline_kind"`
	Deadline     string      `json:"deadline"`
	Amount       uint64      `json:"amount"`
	Counterparty string      `json:"counterparty"`
	History      []entryView `json:"history"`
}

type entryView struct {
	At           string `json:"at"`
	Amount       uint64 `json:"amount"`
	Counterparty string `json:"counterparty"`
}

func newRecordView(rec custody.Record) *recordView {
	view := &recordView{
		Status:       rec.Status.String(),
		DeadlineKind: rec.Deadline.Kind().String(),
		Deadline:     rec.Deadline.String(),
		Amount:       rec.Amount,
		History:      make([]entryView, 0, len(rec.History)),
	}
	if rec.HasCounterparty() {
		view.Counterparty = rec.Counterparty.String()
	}
	for _, entry := range rec.History {
		item := entryView{At: entry.At.String(), Amount: entry.Amount}
		if !entry.Counterparty.IsZero() {
			item.Counterparty = entry.Counterparty.String()
		}
		view.History = append(view.History, item)
	}
	return view
}

func (s *Service) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	var req simulateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.simulate(r.Context(), req)
	if err != nil {
		var bad badRequestError
		switch {
		case errors.As(err, &bad):
			s.respondError(w, http.StatusBadRequest, bad.Error())
		default:
			s.logger.Error("simulate failed", "err", err, "request_id", requestID(r))
			s.respondError(w, http.StatusInternalServerError, "simulation failed")
		}
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return badRequestError{err: fmt.Errorf(format, args...)}
}

func optionalKey(field, raw string) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return solana.PublicKey{}, nil
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, badRequest("invalid %s: %v", field, err)
	}
	return key, nil
}

// custodyState resolves the starting custody account: explicit data first, then
// the indexed row, then an empty account so a propose can be tried as an init.
func (s *Service) custodyState(ctx context.Context, key solana.PublicKey, req simulateRequest) (ledger.State, error) {
	state := ledger.State{Key: key, Owner: s.cfg.ProgramID}
	if req.DataBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.DataBase64)
		if err != nil {
			return state, badRequest("invalid data_b64: %v", err)
		}
		state.Data = data
		if req.CustodyLamports != nil {
			state.Lamports = *req.CustodyLamports
		}
		return state, nil
	}

	row, err := s.store.GetRecord(ctx, key.String())
	switch {
	case errors.Is(err, indexer.ErrRecordNotFound):
	case err != nil:
		return state, fmt.Errorf("load record %s: %w", key, err)
	default:
		if state.Data, err = row.Data(); err != nil {
			return state, fmt.Errorf("decode stored record %s: %w", key, err)
		}
		if state.Lamports, err = strconv.ParseUint(row.Lamports, 10, 64); err != nil {
			return state, fmt.Errorf("parse stored lamports %s: %w", key, err)
		}
	}
	if req.CustodyLamports != nil {
		state.Lamports = *req.CustodyLamports
	}
	return state, nil
}

func (s *Service) simulate(ctx context.Context, req simulateRequest) (simulateResponse, error) {
	var resp simulateResponse

	action, err := instruction.ParseAction(req.Action)
	if err != nil {
		return resp, badRequestError{err: err}
	}
	ix := instruction.Instruction{Action: action}
	if action == instruction.ActionPropose {
		ix = instruction.Propose(req.Value)
		if req.Relative {
			ix = instruction.ProposeRelative(req.Value)
		}
	}
	payload, err := ix.Encode()
	if err != nil {
		return resp, fmt.Errorf("encode instruction: %w", err)
	}

	custodyKey, err := optionalKey("custody", req.Custody)
	if err != nil {
		return resp, err
	}
	signerKey, err := optionalKey("signer", req.Signer)
	if err != nil {
		return resp, err
	}
	if custodyKey.IsZero() || signerKey.IsZero() {
		return resp, badRequest("custody and signer are required")
	}
	refundKey, err := optionalKey("refund", req.Refund)
	if err != nil {
		return resp, err
	}
	payoutKey, err := optionalKey("payout", req.Payout)
	if err != nil {
		return resp, err
	}
	treasuryKey, err := optionalKey("treasury", req.Treasury)
	if err != nil {
		return resp, err
	}

	state, err := s.custodyState(ctx, custodyKey, req)
	if err != nil {
		return resp, err
	}

	bank := ledger.NewBank()
	custodyAcct := bank.Load(state)
	signerAcct, err := bank.Fund(signerKey, solana.SystemProgramID, req.SignerLamports)
	if err != nil {
		return resp, badRequest("fund signer: %v", err)
	}
	keys := []solana.PublicKey{custodyKey, signerKey}
	request := engine.Request{Custody: custodyAcct, Signer: signerAcct, Payload: payload}
	optional := []struct {
		key      solana.PublicKey
		lamports uint64
		slot     *custody.Account
	}{
		{refundKey, 0, &request.Refund},
		{payoutKey, 0, &request.Payout},
		{treasuryKey, req.TreasuryLamports, &request.Treasury},
	}
	for _, item := range optional {
		if item.key.IsZero() {
			continue
		}
		if item.key.Equals(custodyKey) {
			*item.slot = custodyAcct
			continue
		}
		acct, err := bank.Fund(item.key, solana.SystemProgramID, item.lamports)
		if err != nil {
			return resp, badRequest("fund %s: %v", item.key, err)
		}
		*item.slot = acct
		keys = append(keys, item.key)
	}

	eng, err := engine.New(s.cfg.ProgramID, s.policy, clock.Fixed(req.Clock), s.logger)
	if err != nil {
		return resp, err
	}

	var outcome engine.Outcome
	runErr := bank.Execute(ctx, keys, func(ctx context.Context) error {
		var err error
		outcome, err = eng.Process(ctx, request)
		return err
	})
	if runErr != nil && errors.Is(runErr, ctx.Err()) {
		return resp, runErr
	}
	if runErr != nil {
		outcome.Code = custody.CodeOf(runErr)
	}

	resp.OK = runErr == nil
	resp.Code = outcome.Code
	resp.CodeName = outcome.Code.String()
	resp.Outcome = outcome
	resp.Balances = make(map[string]uint64, len(keys))
	for _, key := range keys {
		snap, err := bank.Snapshot(key)
		if err != nil {
			return resp, err
		}
		resp.Balances[key.String()] = snap.Lamports
		if key.Equals(custodyKey) && len(snap.Data) > 0 {
			if rec, err := custody.Decode(snap.Data); err == nil {
				resp.Record = newRecordView(rec)
			}
		}
	}
	return resp, nil
}
