package charge

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bujie9527/dapp/internal/model"
	"github.com/bujie9527/dapp/internal/settings"
)

const (
	testAddress = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	testCharger = "0x1111111111111111111111111111111111111111"
	testToken   = "0x2222222222222222222222222222222222222222"
)

type fakeSettings struct {
	values map[string]string
}

func (f *fakeSettings) Get(_ context.Context, key string) (string, bool, error) {
	value, ok := f.values[key]
	return value, ok, nil
}

func (f *fakeSettings) GetRequired(_ context.Context, key string) (string, error) {
	value := strings.TrimSpace(f.values[key])
	if value == "" {
		return "", &settings.MissingError{Key: key}
	}
	return value, nil
}

type fakeChargeStore struct {
	mu      sync.Mutex
	byRef   map[string]model.Charge
	upserts int
}

func newFakeChargeStore() *fakeChargeStore {
	return &fakeChargeStore{byRef: make(map[string]model.Charge)}
}

func (f *fakeChargeStore) FindByRef(_ context.Context, ref string) (model.Charge, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byRef[ref]
	return row, ok, nil
}

func (f *fakeChargeStore) FindByID(_ context.Context, id string) (model.Charge, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.byRef {
		if row.ID == id {
			return row, true, nil
		}
	}
	return model.Charge{}, false, nil
}

func (f *fakeChargeStore) UpsertByRef(_ context.Context, charge model.Charge) (model.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if existing, ok := f.byRef[charge.Ref]; ok {
		charge.ID = existing.ID
		charge.TxHash = existing.TxHash
	}
	f.byRef[charge.Ref] = charge
	return charge, nil
}

func (f *fakeChargeStore) SetTxHash(_ context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, row := range f.byRef {
		if row.ID == id {
			row.TxHash = txHash
			f.byRef[ref] = row
			return nil
		}
	}
	return errors.New("charge not found")
}

func (f *fakeChargeStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byRef)
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []model.ChargeEvent
	err    error
}

func (f *fakeEventStore) AppendEvent(_ context.Context, event model.ChargeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeChain struct {
	mu        sync.Mutex
	allowance *big.Int
	balance   *big.Int
	readErr   error
	sendErr   error
	sends     int
	lastRef   [32]byte
	lastFrom  common.Address
	hash      common.Hash
}

func (f *fakeChain) Allowance(_ context.Context, _, _, _ common.Address) (*big.Int, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.allowance, nil
}

func (f *fakeChain) Balance(_ context.Context, _, _ common.Address) (*big.Int, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.balance, nil
}

func (f *fakeChain) SendCharge(_ context.Context, _, from common.Address, _ *big.Int, ref [32]byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sends++
	f.lastRef = ref
	f.lastFrom = from
	return f.hash, nil
}

func (f *fakeChain) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fixture struct {
	service *Service
	store   *fakeChargeStore
	events  *fakeEventStore
	chain   *fakeChain
	config  *fakeSettings
}

func newFixture() *fixture {
	cfg := &fakeSettings{values: map[string]string{
		settings.KeyRPCURL:                "https://rpc.example",
		settings.KeyChargerAddress:        testCharger,
		settings.KeyTokenAddress:          testToken,
		settings.KeyMaxSingleChargeAmount: "1000",
		settings.KeyConfirmationsRequired: "2",
	}}
	store := newFakeChargeStore()
	events := &fakeEventStore{}
	chainClient := &fakeChain{
		allowance: big.NewInt(1000),
		balance:   big.NewInt(1000),
		hash:      common.HexToHash("0xdeadbeef"),
	}
	service := NewService(Config{ChainID: 8453}, cfg, store, events, chainClient, nil)
	return &fixture{service: service, store: store, events: events, chain: chainClient, config: cfg}
}

func submitRequest(ref string) Request {
	return Request{Address: testAddress, Amount: "500", Ref: ref, RequestedBy: "ops"}
}

func TestSubmitSuccess(t *testing.T) {
	f := newFixture()

	result, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ChargeID == "" || result.TxHash == "" {
		t.Fatalf("incomplete result: %+v", result)
	}
	if result.Ref != "r1" {
		t.Fatalf("expected ref echoed back, got %q", result.Ref)
	}

	row, found, _ := f.store.FindByRef(context.Background(), "r1")
	if !found {
		t.Fatalf("expected ledger row")
	}
	if row.Status != model.ChargeStatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", row.Status)
	}
	if row.TxHash != result.TxHash {
		t.Fatalf("expected hash recorded, got %q", row.TxHash)
	}
	if row.Address != strings.ToLower(testAddress) {
		t.Fatalf("expected lower-cased address, got %q", row.Address)
	}
	if row.ChainID != 8453 || row.TokenAddress != testToken {
		t.Fatalf("chain metadata not recorded: %+v", row)
	}

	if f.chain.sendCount() != 1 {
		t.Fatalf("expected one transaction, got %d", f.chain.sendCount())
	}
	want := [32]byte(crypto.Keccak256Hash([]byte("r1")))
	if f.chain.lastRef != want {
		t.Fatalf("ref commitment mismatch")
	}
	if f.chain.lastFrom != common.HexToAddress(testAddress) {
		t.Fatalf("charged wrong address: %s", f.chain.lastFrom.Hex())
	}

	if f.events.count() != 1 {
		t.Fatalf("expected one event, got %d", f.events.count())
	}
	event := f.events.events[0]
	if event.Type != model.EventTypeCharge || event.ChargeID != result.ChargeID {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Metadata["ref"] != "r1" || event.Metadata["amount"] != "500" {
		t.Fatalf("unexpected event metadata: %+v", event.Metadata)
	}
}

func TestSubmitReplayAfterSuccess(t *testing.T) {
	f := newFixture()

	first, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.ChargeID != first.ChargeID || second.TxHash != first.TxHash {
		t.Fatalf("replay changed result: %+v != %+v", second, first)
	}
	if f.chain.sendCount() != 1 {
		t.Fatalf("replay must not send again, sends=%d", f.chain.sendCount())
	}
	if f.events.count() != 1 {
		t.Fatalf("replay must not append another event, events=%d", f.events.count())
	}
}

func TestSubmitValidationLeavesNoTrace(t *testing.T) {
	f := newFixture()

	req := submitRequest("r-bad")
	req.Amount = "-1"
	_, err := f.service.Submit(context.Background(), req)
	if KindOf(err) != KindValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if f.store.rowCount() != 0 {
		t.Fatalf("validation failure must not touch the ledger")
	}
	if f.chain.sendCount() != 0 {
		t.Fatalf("validation failure must not reach the chain")
	}
}

func TestSubmitBoundaryAmount(t *testing.T) {
	f := newFixture()

	req := submitRequest("r-max")
	req.Amount = "1000"
	if _, err := f.service.Submit(context.Background(), req); err != nil {
		t.Fatalf("amount equal to max must pass: %v", err)
	}

	req = submitRequest("r-over")
	req.Amount = "1001"
	_, err := f.service.Submit(context.Background(), req)
	if KindOf(err) != KindValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestSubmitInsufficientAllowance(t *testing.T) {
	f := newFixture()
	f.chain.allowance = big.NewInt(100)

	_, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if KindOf(err) != KindInsufficientAuthorization {
		t.Fatalf("expected insufficient authorization, got %v", err)
	}
	if err.Error() != "allowance/balance insufficient" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if f.store.rowCount() != 0 {
		t.Fatalf("failed preflight must leave no ledger trace")
	}
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newFixture()
	f.chain.balance = big.NewInt(100)

	_, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if KindOf(err) != KindInsufficientAuthorization {
		t.Fatalf("expected insufficient authorization, got %v", err)
	}
	if f.store.rowCount() != 0 {
		t.Fatalf("failed preflight must leave no ledger trace")
	}
}

func TestSubmitMissingSetting(t *testing.T) {
	f := newFixture()
	delete(f.config.values, settings.KeyChargerAddress)

	_, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if KindOf(err) != KindConfigurationMissing {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), settings.KeyChargerAddress) {
		t.Fatalf("error must name the missing key: %q", err.Error())
	}
	if f.store.rowCount() != 0 {
		t.Fatalf("configuration failure must not touch the ledger")
	}
}

func TestSubmitNonNumericMax(t *testing.T) {
	f := newFixture()
	f.config.values[settings.KeyMaxSingleChargeAmount] = "lots"

	_, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if KindOf(err) != KindConfigurationMissing {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSubmitSubmissionFailureKeepsIntent(t *testing.T) {
	f := newFixture()
	f.chain.sendErr = errors.New("rpc unreachable")

	_, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if KindOf(err) != KindSubmissionFailed {
		t.Fatalf("expected submission failure, got %v", err)
	}

	row, found, _ := f.store.FindByRef(context.Background(), "r1")
	if !found {
		t.Fatalf("intent row must survive a failed submission")
	}
	if row.TxHash != "" {
		t.Fatalf("failed submission must not record a hash")
	}
	if f.events.count() != 0 {
		t.Fatalf("failed submission must not append an event")
	}
}

func TestSubmitPendingRowBlocksResubmission(t *testing.T) {
	f := newFixture()
	f.chain.sendErr = errors.New("rpc unreachable")
	if _, err := f.service.Submit(context.Background(), submitRequest("r1")); err == nil {
		t.Fatalf("expected first attempt to fail")
	}

	// The node is back, but the earlier attempt may have broadcast before
	// dying; the pending row must block a second send.
	f.chain.sendErr = nil
	_, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if KindOf(err) != KindChargePending {
		t.Fatalf("expected pending error, got %v", err)
	}
	if f.chain.sendCount() != 0 {
		t.Fatalf("pending row must block re-submission, sends=%d", f.chain.sendCount())
	}
}

func TestSubmitGeneratesRef(t *testing.T) {
	f := newFixture()

	result, err := f.service.Submit(context.Background(), submitRequest("   "))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Ref == "" {
		t.Fatalf("expected generated ref")
	}
	if _, found, _ := f.store.FindByRef(context.Background(), result.Ref); !found {
		t.Fatalf("expected ledger row under generated ref")
	}
}

func TestSubmitEventFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	f.events.err = errors.New("event sink down")

	result, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if err != nil {
		t.Fatalf("event failure must not fail the charge: %v", err)
	}
	if result.TxHash == "" {
		t.Fatalf("expected hash in result")
	}
}

func TestSubmitConcurrentSameRef(t *testing.T) {
	f := newFixture()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.service.Submit(context.Background(), submitRequest("r1"))
		}(i)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("unexpected errors: %v, %v", errs[0], errs[1])
	}
	if results[0] != results[1] {
		t.Fatalf("concurrent callers must converge: %+v != %+v", results[0], results[1])
	}
	if f.chain.sendCount() != 1 {
		t.Fatalf("exactly one transaction expected, got %d", f.chain.sendCount())
	}
}

func TestGetCharge(t *testing.T) {
	f := newFixture()

	result, err := f.service.Submit(context.Background(), submitRequest("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, found, err := f.service.GetCharge(context.Background(), result.ChargeID)
	if err != nil || !found {
		t.Fatalf("expected charge, found=%v err=%v", found, err)
	}
	if row.Ref != "r1" {
		t.Fatalf("unexpected row: %+v", row)
	}

	if _, found, _ := f.service.GetCharge(context.Background(), "missing"); found {
		t.Fatalf("expected not found")
	}
}
