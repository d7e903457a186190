package server

import (
	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

// Request payloads

type OracleRequest struct {
	ID      string `json:"id"`
	Account string `json:"account,omitempty"`
	Weight  int64  `json:"weight" minimum:"1"`
}

type CreateEscrowRequest struct {
	ID              *string         `json:"id,omitempty"`
	Requester       string          `json:"requester"`
	RequesterAcct   string          `json:"requester_account"`
	EscrowAcct      *string         `json:"escrow_account,omitempty"`
	ManifestURL     string          `json:"manifest_url,omitempty"`
	ManifestHash    string          `json:"manifest_hash,omitempty"`
	ExpectedTasks   int64           `json:"expected_tasks" minimum:"1"`
	TaskReward      int64           `json:"task_reward" minimum:"1"`
	MinFunding      *int64          `json:"min_funding,omitempty"`
	FeeBps          *int64          `json:"fee_bps,omitempty"`
	FeeAccount      string          `json:"fee_account,omitempty"`
	QuorumWeight    *int64          `json:"quorum_weight,omitempty"`
	Oracles         []OracleRequest `json:"oracles,omitempty"`
	DurationSeconds int64           `json:"duration_seconds,omitempty"`
}

type FundEscrowRequest struct {
	Amount int64  `json:"amount" minimum:"1"`
	TxRef  string `json:"tx_ref,omitempty"`
}

type SubmitResultRequest struct {
	WorkerID    string `json:"worker_id"`
	WorkerAcct  string `json:"worker_account,omitempty"`
	OracleID    string `json:"oracle_id"`
	Payload     string `json:"payload,omitempty"`
	PayloadHash string `json:"payload_hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

type StoreResultsRequest struct {
	ResultsURL  string `json:"results_url"`
	ResultsHash string `json:"results_hash,omitempty"`
}

// Response payloads

type EscrowResponse struct {
	domain.Escrow
}

type ResultResponse struct {
	domain.Result
}

type PlanResponse struct {
	domain.PayoutPlan
}

type StatusResponse struct {
	Escrow    domain.Escrow         `json:"escrow"`
	Oracles   []domain.OracleWeight `json:"oracles"`
	Results   []domain.Result       `json:"results"`
	Plans     []domain.PayoutPlan   `json:"plans"`
	Transfers []domain.Transfer     `json:"transfers"`
	PaidTotal int64                 `json:"paid_total"`
}

type EventResponse struct {
	domain.Event
}

func escrowResponse(e domain.Escrow) EscrowResponse { return EscrowResponse{e} }

func oracleWeight(o OracleRequest) domain.OracleWeight {
	return domain.OracleWeight{OracleID: o.ID, Account: o.Account, Weight: o.Weight}
}

func mapEscrows(items []domain.Escrow) []EscrowResponse {
	res := make([]EscrowResponse, 0, len(items))
	for _, e := range items {
		res = append(res, escrowResponse(e))
	}
	return res
}

func statusResponse(s engine.EscrowStatus) StatusResponse {
	return StatusResponse{
		Escrow:    s.Escrow,
		Oracles:   s.Oracles,
		Results:   s.Results,
		Plans:     s.Plans,
		Transfers: s.Transfers,
		PaidTotal: s.PaidTotal,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{e})
	}
	return res
}
