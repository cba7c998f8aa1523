package rpc

import (
	"net/http"

	"giftledger/core/identity"
	"giftledger/crypto"
)

type identityRegisterParams struct {
	DisplayName string   `json:"displayName"`
	Addresses   []string `json:"addresses"`
}

type identityAssociateParams struct {
	EIN     uint64 `json:"ein"`
	Address string `json:"address"`
}

type identityEINParams struct {
	EIN uint64 `json:"ein"`
}

type identityAddressParams struct {
	Address string `json:"address"`
}

type identityRecordJSON struct {
	EIN         uint64   `json:"ein"`
	DisplayName string   `json:"displayName"`
	Addresses   []string `json:"addresses"`
	CreatedAt   int64    `json:"createdAt"`
}

func recordToJSON(record *identity.Record) identityRecordJSON {
	addrs := make([]string, len(record.Addresses))
	for i, addr := range record.Addresses {
		addrs[i] = addr.String()
	}
	return identityRecordJSON{
		EIN:         uint64(record.EIN),
		DisplayName: record.DisplayName,
		Addresses:   addrs,
		CreatedAt:   record.CreatedAt,
	}
}

func (s *Server) handleIdentityRegister(w http.ResponseWriter, req *RPCRequest) {
	var params identityRegisterParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	addrs := make([]crypto.Address, 0, len(params.Addresses))
	for _, raw := range params.Addresses {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
			return
		}
		addrs = append(addrs, addr)
	}
	record, err := s.node.IdentityRegister(params.DisplayName, addrs...)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, recordToJSON(record))
}

func (s *Server) handleIdentityAssociate(w http.ResponseWriter, req *RPCRequest) {
	var params identityAssociateParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	if err := s.node.IdentityAssociate(identity.EIN(params.EIN), addr); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"ein": params.EIN, "address": addr.String()})
}

func (s *Server) handleIdentityResolve(w http.ResponseWriter, req *RPCRequest) {
	var params identityEINParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	record, err := s.node.IdentityResolve(identity.EIN(params.EIN))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, recordToJSON(record))
}

func (s *Server) handleIdentityForAddress(w http.ResponseWriter, req *RPCRequest) {
	var params identityAddressParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	ein, err := s.node.IdentityForAddress(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"address": addr.String(), "ein": uint64(ein)})
}

func (s *Server) handleIdentityDepositBalance(w http.ResponseWriter, req *RPCRequest) {
	var params identityEINParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	balance, err := s.node.DepositBalance(identity.EIN(params.EIN))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"ein": params.EIN, "deposit": balance.String()})
}
