package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"giftledger/core/identity"
	"giftledger/crypto"
	"giftledger/integrations/exports"
	"giftledger/native/giftcard"
)

type giftCardSetOffersParams struct {
	Caller string   `json:"caller"`
	Offers []string `json:"offers"`
}

type giftCardOffersParams struct {
	VendorEIN uint64 `json:"vendorEin"`
}

type giftCardPurchaseParams struct {
	Buyer     string `json:"buyer"`
	Amount    string `json:"amount"`
	VendorEIN uint64 `json:"vendorEin"`
}

type giftCardTransferParams struct {
	ID        uint64 `json:"id"`
	NewOwner  uint64 `json:"newOwnerEin"`
	Signature string `json:"signature"`
}

type giftCardRedeemParams struct {
	ID        uint64 `json:"id"`
	Amount    string `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"`
}

type giftCardVendorRedeemParams struct {
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

type giftCardRedeemAndCallParams struct {
	ID        uint64 `json:"id"`
	Amount    string `json:"amount"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"`
	Memo      string `json:"memo,omitempty"`
}

type giftCardRefundParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type giftCardIDParams struct {
	ID uint64 `json:"id"`
}

type giftCardCustomerParams struct {
	OwnerEIN uint64 `json:"ownerEin"`
}

type giftCardJSON struct {
	ID                uint64 `json:"id"`
	VendorEIN         uint64 `json:"vendorEin"`
	OwnerEIN          uint64 `json:"ownerEin"`
	Balance           string `json:"balance"`
	PendingAuthorized string `json:"pendingAuthorized"`
}

type giftCardDetailsJSON struct {
	ID                uint64 `json:"id"`
	Vendor            string `json:"vendor"`
	Owner             string `json:"owner"`
	Balance           string `json:"balance"`
	PendingAuthorized string `json:"pendingAuthorized"`
}

func giftCardToJSON(card *giftcard.GiftCard) giftCardJSON {
	return giftCardJSON{
		ID:                card.ID,
		VendorEIN:         uint64(card.VendorEIN),
		OwnerEIN:          uint64(card.OwnerEIN),
		Balance:           card.Balance.String(),
		PendingAuthorized: card.PendingAuthorized.String(),
	}
}

func parseParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one parameter object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer")
	}
	return amount, nil
}

func parseSignature(raw string) (*giftcard.Signature, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature must be hex encoded")
	}
	return giftcard.SignatureFromBytes(decoded)
}

// vendorMemoBytes packs the vendor EIN into the fixed 32-byte purchase memo.
func vendorMemoBytes(ein uint64) []byte {
	memo := make([]byte, 32)
	new(big.Int).SetUint64(ein).FillBytes(memo)
	return memo
}

func (s *Server) handleGiftCardSetOffers(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardSetOffersParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	offers := make(giftcard.Offers, 0, len(params.Offers))
	for _, raw := range params.Offers {
		amount, err := parseAmount(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid offer amount", err.Error())
			return
		}
		offers = append(offers, amount)
	}
	vendor, err := s.node.GiftCardSetOffers(caller, offers)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"vendorEin": uint64(vendor), "count": len(offers)})
}

func (s *Server) handleGiftCardOffers(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardOffersParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	offers, err := s.node.GiftCardOffers(identity.EIN(params.VendorEIN))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	out := make([]string, len(offers))
	for i, amount := range offers {
		out[i] = amount.String()
	}
	writeResult(w, req.ID, map[string]interface{}{"vendorEin": params.VendorEIN, "offers": out})
}

func (s *Server) handleGiftCardPurchase(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardPurchaseParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	buyer, err := crypto.DecodeAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid buyer address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	card, err := s.node.GiftCardPurchase(buyer, amount, vendorMemoBytes(params.VendorEIN))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, giftCardToJSON(card))
}

func (s *Server) handleGiftCardTransfer(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardTransferParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	sig, err := parseSignature(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	if err := s.node.GiftCardTransfer(params.ID, identity.EIN(params.NewOwner), sig); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"id": params.ID, "ownerEin": params.NewOwner})
}

func (s *Server) handleGiftCardRedeem(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardRedeemParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	sig, err := parseSignature(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	if err := s.node.GiftCardRedeem(params.ID, amount, params.Timestamp, sig); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"id": params.ID, "authorized": amount.String()})
}

func (s *Server) handleGiftCardVendorRedeem(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardVendorRedeemParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.GiftCardVendorRedeem(params.ID, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"id": params.ID, "settled": amount.String()})
}

func (s *Server) handleGiftCardRedeemAndCall(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardRedeemAndCallParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	sig, err := parseSignature(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid signature", err.Error())
		return
	}
	if err := s.node.GiftCardRedeemAndCall(params.ID, amount, params.Timestamp, sig, []byte(params.Memo)); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"id": params.ID, "settled": amount.String()})
}

func (s *Server) handleGiftCardRefund(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardRefundParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	if err := s.node.GiftCardRefund(params.ID, caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"id": params.ID, "refunded": true})
}

func (s *Server) handleGiftCardGet(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardIDParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	card, err := s.node.GiftCardGet(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, giftCardToJSON(card))
}

func (s *Server) handleGiftCardBalance(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardIDParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	balance, err := s.node.GiftCardBalance(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{"id": params.ID, "balance": balance.String()})
}

func (s *Server) handleGiftCardDetails(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardIDParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	details, err := s.node.GiftCardDetails(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, giftCardDetailsJSON{
		ID:                details.ID,
		Vendor:            details.VendorDisplayName,
		Owner:             details.OwnerDisplayName,
		Balance:           details.Balance.String(),
		PendingAuthorized: details.PendingAuthorized.String(),
	})
}

func (s *Server) handleGiftCardCustomerCards(w http.ResponseWriter, req *RPCRequest) {
	var params giftCardCustomerParams
	if err := parseParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	ids, err := s.node.GiftCardCustomerIDs(identity.EIN(params.OwnerEIN))
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeResult(w, req.ID, map[string]interface{}{"ownerEin": params.OwnerEIN, "cardIds": ids})
}

// handleGiftCardVault exposes the custody address. Holders need it to build
// permission signatures offline.
func (s *Server) handleGiftCardVault(w http.ResponseWriter, req *RPCRequest) {
	writeResult(w, req.ID, map[string]interface{}{"vault": s.node.Vault().String()})
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleGiftCardEvents(w http.ResponseWriter, req *RPCRequest) {
	events := s.node.Events()
	out := make([]eventJSON, 0, len(events))
	for _, evt := range events {
		out = append(out, eventJSON{Type: evt.Type, Attributes: evt.Attributes})
	}
	writeResult(w, req.ID, out)
}

type exportEventsParams struct {
	Format string `json:"format,omitempty"`
}

// handleGiftCardExportEvents renders the committed event log as a CSV or JSONL
// document for offline reconciliation. The checksum lets operators verify the
// payload survived transport intact.
func (s *Server) handleGiftCardExportEvents(w http.ResponseWriter, req *RPCRequest) {
	params := exportEventsParams{Format: "csv"}
	if len(req.Params) > 0 {
		if err := parseParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
			return
		}
	}
	events := s.node.Events()
	var (
		payload  []byte
		checksum string
		err      error
	)
	switch params.Format {
	case "", "csv":
		params.Format = "csv"
		payload, checksum, err = exports.EventsCSV(events)
	case "jsonl":
		payload, checksum, err = exports.EventsJSONL(events)
	default:
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("unsupported format %q", params.Format), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "export failed", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"format":   params.Format,
		"payload":  string(payload),
		"checksum": checksum,
		"count":    len(events),
	})
}
