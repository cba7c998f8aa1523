package giftcard

import "errors"

var (
	// ErrNoIdentity is returned when the acting address does not resolve to
	// an identity in the directory.
	ErrNoIdentity = errors.New("giftcard: address has no identity")
	// ErrUnknownVendor is returned when a purchase memo names an EIN the
	// directory has never assigned.
	ErrUnknownVendor = errors.New("giftcard: unknown vendor EIN")
	// ErrUnknownIdentity is returned when a transfer targets an EIN the
	// directory has never assigned, or a recovered signer has no identity.
	ErrUnknownIdentity = errors.New("giftcard: unknown identity")
	// ErrInvalidMemo is returned when the purchase memo is absent or does not
	// decode as a single fixed-width vendor EIN.
	ErrInvalidMemo = errors.New("giftcard: invalid purchase memo")
	// ErrNoOffers is returned when purchasing from a vendor whose catalog is
	// empty.
	ErrNoOffers = errors.New("giftcard: vendor has no available offers")
	// ErrNotFound is returned when a gift card id was never minted.
	ErrNotFound = errors.New("giftcard: not found")
	// ErrPermissionDenied is returned when a signature does not recover to a
	// usable signing address.
	ErrPermissionDenied = errors.New("giftcard: permission denied")
	// ErrNotOwner is returned when an otherwise valid signature was produced
	// by an identity other than the card's current owner.
	ErrNotOwner = errors.New("giftcard: signer is not the card owner")
	// ErrInsufficientBalance is returned when an authorization exceeds the
	// card's remaining balance.
	ErrInsufficientBalance = errors.New("giftcard: insufficient balance")
	// ErrEmptyCard is returned when authorizing against a card whose balance
	// is already zero.
	ErrEmptyCard = errors.New("giftcard: card has no remaining balance")
	// ErrExceedsAuthorized is returned when a settlement exceeds the card's
	// running authorized amount.
	ErrExceedsAuthorized = errors.New("giftcard: amount exceeds authorized value")
	// ErrUnauthorized is returned when a caller other than the issuing vendor
	// attempts a refund.
	ErrUnauthorized = errors.New("giftcard: caller is not the issuing vendor")
	// ErrInvalidAmount is returned when an operation is given a non-positive
	// amount.
	ErrInvalidAmount = errors.New("giftcard: amount must be positive")
)
