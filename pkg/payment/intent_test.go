package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quickmark/tokenledger/pkg/tokens"
)

func TestCreateInsertsPendingPurchase(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	factory := mustIntentFactory(test, store, 250)
	userID := mustPaymentUserID(test, "buyer-1")
	phone := mustPhone(test, "+254700000001")

	purchase, request, err := factory.Create(context.Background(), userID, mustCount(test, 20), ProviderMPESA, phone)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	// 20 tokens at 250 cents = 5000 base, MPESA 0.27 -> 1350 KES.
	if purchase.LocalAmount != 1350 || purchase.LocalCurrency != "KES" {
		test.Fatalf("unexpected settlement amount: %+v", purchase)
	}
	if purchase.Status != PurchaseStatusPending {
		test.Fatalf("expected pending purchase, got %s", purchase.Status)
	}
	if purchase.TokensRequested != 20 || purchase.UserID != "buyer-1" {
		test.Fatalf("unexpected purchase: %+v", purchase)
	}
	if !strings.HasPrefix(purchase.TransactionUID, "TKN-") {
		test.Fatalf("unexpected transaction uid: %s", purchase.TransactionUID)
	}
	if len(store.inserted) != 1 {
		test.Fatalf("expected one inserted row, got %d", len(store.inserted))
	}
	if request.TransactionUID != purchase.TransactionUID {
		test.Fatalf("gateway request uid %s != purchase uid %s", request.TransactionUID, purchase.TransactionUID)
	}
	if request.Phone != "+254700000001" || request.Country != "KE" || request.Telecom != "SAFARICOM" {
		test.Fatalf("unexpected gateway request: %+v", request)
	}
	if request.AccountRef != "buyer-1" {
		test.Fatalf("expected account ref buyer-1, got %s", request.AccountRef)
	}
}

func TestCreateRetriesOnDuplicateUID(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	store.insertErrs = []error{ErrDuplicateTransactionUID}
	factory := mustIntentFactory(test, store, 100)
	userID := mustPaymentUserID(test, "buyer-2")
	phone := mustPhone(test, "+256700000002")

	purchase, _, err := factory.Create(context.Background(), userID, mustCount(test, 5), ProviderMTN, phone)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if len(store.inserted) != 1 {
		test.Fatalf("expected the retry insert to land, got %d rows", len(store.inserted))
	}
	if store.inserted[0].TransactionUID != purchase.TransactionUID {
		test.Fatalf("returned uid does not match stored row")
	}
}

func TestCreateGivesUpAfterSecondDuplicate(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	store.insertErrs = []error{ErrDuplicateTransactionUID, ErrDuplicateTransactionUID}
	factory := mustIntentFactory(test, store, 100)
	userID := mustPaymentUserID(test, "buyer-3")
	phone := mustPhone(test, "+255700000003")

	_, _, err := factory.Create(context.Background(), userID, mustCount(test, 5), ProviderAirtel, phone)
	if !errors.Is(err, ErrDuplicateTransactionUID) {
		test.Fatalf("expected ErrDuplicateTransactionUID, got %v", err)
	}
}

func TestCreateRejectsUnknownProvider(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	factory := mustIntentFactory(test, store, 100)
	userID := mustPaymentUserID(test, "buyer-4")
	phone := mustPhone(test, "+254700000004")

	_, _, err := factory.Create(context.Background(), userID, mustCount(test, 5), Provider("VODACOM"), phone)
	if !errors.Is(err, ErrUnknownProvider) {
		test.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if len(store.inserted) != 0 {
		test.Fatalf("expected no insert on conversion failure")
	}
}

func TestCreateSnapshotsPricingAtCallTime(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	holder := NewPricingHolder(mustPricing(test, 100, 10*time.Minute))
	uids := mustTxIDFactory(test, store)
	factory, err := NewIntentFactory(store, uids, holder, func() int64 { return reconcileClockUnixUTC })
	if err != nil {
		test.Fatalf("intent factory: %v", err)
	}
	userID := mustPaymentUserID(test, "buyer-5")
	phone := mustPhone(test, "+256700000005")

	first, _, err := factory.Create(context.Background(), userID, mustCount(test, 10), ProviderMTN, phone)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	holder.Replace(mustPricing(test, 500, 10*time.Minute))
	second, _, err := factory.Create(context.Background(), userID, mustCount(test, 10), ProviderMTN, phone)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if first.LocalAmount != 1000 || second.LocalAmount != 5000 {
		test.Fatalf("expected pricing snapshot per call, got %d then %d", first.LocalAmount, second.LocalAmount)
	}
	if stored := store.purchases[first.TransactionUID]; stored.LocalAmount != 1000 {
		test.Fatalf("expected the earlier row to keep its amount, got %d", stored.LocalAmount)
	}
}

func TestNewPhoneNumberValidates(test *testing.T) {
	test.Parallel()
	if _, err := NewPhoneNumber("12345"); !errors.Is(err, ErrInvalidPhoneNumber) {
		test.Fatalf("expected ErrInvalidPhoneNumber for short input, got %v", err)
	}
	if _, err := NewPhoneNumber("+2547abc0001"); !errors.Is(err, ErrInvalidPhoneNumber) {
		test.Fatalf("expected ErrInvalidPhoneNumber for letters, got %v", err)
	}
	phone, err := NewPhoneNumber(" +254700000001 ")
	if err != nil {
		test.Fatalf("phone: %v", err)
	}
	if phone.String() != "+254700000001" {
		test.Fatalf("expected trimmed number, got %q", phone.String())
	}
}

func mustIntentFactory(test *testing.T, store Store, unitPriceCents int64) *IntentFactory {
	test.Helper()
	holder := NewPricingHolder(mustPricing(test, unitPriceCents, 10*time.Minute))
	uids := mustTxIDFactory(test, store)
	factory, err := NewIntentFactory(store, uids, holder, func() int64 { return reconcileClockUnixUTC })
	if err != nil {
		test.Fatalf("intent factory: %v", err)
	}
	return factory
}

func mustCount(test *testing.T, raw int64) tokens.TokenCount {
	test.Helper()
	count, err := tokens.NewTokenCount(raw)
	if err != nil {
		test.Fatalf("token count: %v", err)
	}
	return count
}

func mustPhone(test *testing.T, raw string) PhoneNumber {
	test.Helper()
	phone, err := NewPhoneNumber(raw)
	if err != nil {
		test.Fatalf("phone: %v", err)
	}
	return phone
}
