package rpc

import (
	"net/http"

	"giftledger/crypto"
)

type tokenBalanceParams struct {
	Address string `json:"address"`
}

type tokenTransferParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type tokenApproveAndCallParams struct {
	From      string `json:"from"`
	Amount    string `json:"amount"`
	VendorEIN uint64 `json:"vendorEin"`
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, req *RPCRequest) {
	var params tokenBalanceParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	balance, err := s.node.TokenBalance(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"address": addr.String(), "balance": balance.String()})
}

func (s *Server) handleTokenTransfer(w http.ResponseWriter, req *RPCRequest) {
	var params tokenTransferParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	from, err := crypto.DecodeAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	to, err := crypto.DecodeAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid to address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.TokenTransfer(from, to, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"from": from.String(), "to": to.String(), "amount": amount.String()})
}

// handleTokenApproveAndCall drives the delegated-purchase flow: approve the
// vault and let the engine pull the value and mint in one transaction.
func (s *Server) handleTokenApproveAndCall(w http.ResponseWriter, req *RPCRequest) {
	var params tokenApproveAndCallParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	from, err := crypto.DecodeAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.TokenApproveAndCall(from, s.node.Vault(), amount, vendorMemoBytes(params.VendorEIN)); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"from": from.String(), "amount": amount.String()})
}
