package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/web3"
	"ChainProbe/pkg/logger"
)

const (
	// CodeRetriesExhausted marks an intent whose every attempt failed.
	CodeRetriesExhausted xerrors.Code = "TX_RETRIES_EXHAUSTED"
	// CodeReverted marks a mined transaction with a failed status.
	CodeReverted xerrors.Code = "TX_REVERTED"
)

func init() {
	xerrors.Register(CodeRetriesExhausted, xerrors.Attributes{
		Message:   "transaction retries exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReverted, xerrors.Attributes{
		Message:   "transaction reverted",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Transport is the RPC subset the executor needs. web3.Client satisfies it.
type Transport interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SendBatchTransactions(ctx context.Context, txs []*types.Transaction) []web3.BatchOutcome
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Observer receives one notification per submission attempt.
type Observer interface {
	ObserveTxAttempt(kind string, err error)
}

// Config controls gas escalation and retry bounds.
type Config struct {
	GasLimit            uint64
	GasLimitStep        uint64
	GasPriceBumpPercent uint64
	MaxAttempts         int
	ReceiptTimeout      time.Duration
	MaxReentrancyRounds int
}

func (c *Config) applyDefaults() {
	if c.GasLimit == 0 {
		c.GasLimit = 2_000_000
	}
	if c.GasLimitStep == 0 {
		c.GasLimitStep = 500_000
	}
	if c.GasPriceBumpPercent == 0 {
		c.GasPriceBumpPercent = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 3 * time.Minute
	}
	if c.MaxReentrancyRounds <= 0 {
		c.MaxReentrancyRounds = 10
	}
}

// Call is a contract interaction before nonce and gas are chosen.
type Call struct {
	To       common.Address
	Function string
	Args     []any
	Value    *big.Int
	Data     []byte
}

// NewCall packs function and args against contract into a Call.
func NewCall(contract abi.ABI, to common.Address, function string, args []any, value *big.Int) (Call, error) {
	data, _, err := PackCall(contract, function, args)
	if err != nil {
		return Call{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造合约调用失败")
	}
	return Call{To: to, Function: function, Args: args, Value: value, Data: data}, nil
}

// Intent is one fully specified attempt. It is rebuilt for every attempt.
type Intent struct {
	To       *common.Address
	Function string
	Args     []any
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Nonce    uint64
	Data     []byte
	// Hash is set once the signed transaction was accepted by the node.
	Hash common.Hash
}

// Tx builds the unsigned legacy transaction for the intent.
func (i Intent) Tx() *types.Transaction {
	value := i.Value
	if value == nil {
		value = new(big.Int)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    i.Nonce,
		GasPrice: new(big.Int).Set(i.GasPrice),
		Gas:      i.GasLimit,
		To:       i.To,
		Value:    new(big.Int).Set(value),
		Data:     i.Data,
	})
}

// Result describes the accepted attempt of an intent.
type Result struct {
	Hash     common.Hash `json:"hash"`
	Nonce    uint64      `json:"nonce"`
	GasLimit uint64      `json:"gas_limit"`
	GasPrice *big.Int    `json:"gas_price"`
	Attempts int         `json:"attempts"`
}

// Outcome is the result of one step in a sequence or reentrancy run.
type Outcome struct {
	Index    int
	Function string
	Result   Result
	Err      error
}

// BatchItem is the broadcast outcome of one batch entry.
type BatchItem struct {
	Index    int
	Function string
	Nonce    uint64
	Hash     common.Hash
	Err      error
}

// BatchResult collects every batch entry, including failed ones.
type BatchResult struct {
	Items []BatchItem
}

// Gaps returns the nonces of items that failed to broadcast. Later items in
// the same batch stay queued behind these nonces until they are filled.
func (r BatchResult) Gaps() []uint64 {
	var gaps []uint64
	for _, item := range r.Items {
		if item.Err != nil {
			gaps = append(gaps, item.Nonce)
		}
	}
	return gaps
}

// Deployment is a mined contract creation.
type Deployment struct {
	Address common.Address
	Hash    common.Hash
	Receipt *types.Receipt
}

// Executor builds, signs and submits transactions for one account.
type Executor struct {
	transport Transport
	signer    Signer
	locker    Locker
	cfg       Config
	logger    *slog.Logger
	observer  Observer
	tracer    trace.Tracer
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLocker replaces the in-process account lock, e.g. with a Redis lock.
func WithLocker(locker Locker) Option {
	return func(e *Executor) {
		if locker != nil {
			e.locker = locker
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an attempt observer such as the metrics recorder.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// NewExecutor creates an executor. A LocalLocker is used unless overridden.
func NewExecutor(transport Transport, signer Signer, cfg Config, opts ...Option) (*Executor, error) {
	if transport == nil {
		return nil, errors.New("未提供链上传输")
	}
	if signer == nil {
		return nil, errors.New("未提供交易签名器")
	}
	cfg.applyDefaults()
	e := &Executor{
		transport: transport,
		signer:    signer,
		locker:    NewLocalLocker(),
		cfg:       cfg,
		logger:    logger.Named("txn"),
		tracer:    otel.Tracer("ChainProbe/internal/web3/txn"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Account returns the signing address.
func (e *Executor) Account() common.Address {
	return e.signer.Address()
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Send performs a single attempt and returns without waiting for confirmation.
func (e *Executor) Send(ctx context.Context, call Call) (Result, error) {
	intent, err := e.attempt(ctx, "send", &call.To, call, e.cfg.GasLimit, nil, 1)
	if err != nil {
		return Result{}, err
	}
	return resultOf(intent, 1), nil
}

// SendWithRetry retries failed submissions with a fresh nonce, a higher gas
// limit and a gas price at least BumpPercent above the previous attempt.
func (e *Executor) SendWithRetry(ctx context.Context, call Call) (Result, error) {
	intent, attempts, err := e.sendWithRetry(ctx, "send", &call.To, call)
	if err != nil {
		return Result{}, err
	}
	return resultOf(intent, attempts), nil
}

func (e *Executor) sendWithRetry(ctx context.Context, kind string, to *common.Address, call Call) (Intent, int, error) {
	gasLimit := e.cfg.GasLimit
	var prevPrice *big.Int
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		intent, err := e.attempt(ctx, kind, to, call, gasLimit, prevPrice, attempt)
		if err == nil {
			return intent, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Intent{}, attempt, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "交易提交被取消")
		}
		e.logger.Warn("交易提交失败，准备重试",
			slog.String("function", call.Function),
			slog.Int("attempt", attempt),
			slog.Uint64("gas_limit", gasLimit),
			slog.Any("error", err))
		if intent.GasPrice != nil {
			prevPrice = intent.GasPrice
		}
		gasLimit += e.cfg.GasLimitStep
	}

	return Intent{}, e.cfg.MaxAttempts, xerrors.Wrap(CodeRetriesExhausted, lastErr,
		fmt.Sprintf("交易 %s 在 %d 次尝试后仍未成功", labelOf(call), e.cfg.MaxAttempts),
		xerrors.WithMetadata("function", call.Function))
}

// attempt runs one locked nonce/price fetch, sign and submit. The returned
// intent carries the gas price even on failure so the caller can escalate.
func (e *Executor) attempt(ctx context.Context, kind string, to *common.Address, call Call, gasLimit uint64, prevPrice *big.Int, n int) (Intent, error) {
	ctx, span := e.tracer.Start(ctx, "txn."+kind, trace.WithAttributes(
		attribute.String("function", labelOf(call)),
		attribute.Int("attempt", n),
	))
	defer span.End()

	intent, err := e.submit(ctx, to, call, gasLimit, prevPrice)
	if intent.GasPrice != nil {
		span.SetAttributes(
			attribute.Int64("nonce", int64(intent.Nonce)),
			attribute.String("gas_price", intent.GasPrice.String()),
			attribute.Int64("gas_limit", int64(intent.GasLimit)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.observer != nil {
		e.observer.ObserveTxAttempt(kind, err)
	}
	return intent, err
}

func (e *Executor) submit(ctx context.Context, to *common.Address, call Call, gasLimit uint64, prevPrice *big.Int) (Intent, error) {
	account := e.signer.Address()
	unlock, err := e.locker.Lock(ctx, account)
	if err != nil {
		return Intent{}, fmt.Errorf("获取账户锁失败: %w", err)
	}
	defer unlock()

	chainID, err := e.transport.ChainID(ctx)
	if err != nil {
		return Intent{}, err
	}
	nonce, err := e.transport.PendingNonceAt(ctx, account)
	if err != nil {
		return Intent{}, err
	}
	suggested, err := e.transport.SuggestGasPrice(ctx)
	if err != nil {
		return Intent{}, err
	}

	intent := Intent{
		To:       to,
		Function: call.Function,
		Args:     call.Args,
		Value:    call.Value,
		GasLimit: gasLimit,
		GasPrice: NextGasPrice(suggested, prevPrice, e.cfg.GasPriceBumpPercent),
		Nonce:    nonce,
		Data:     call.Data,
	}
	signed, err := e.signer.Sign(intent.Tx(), chainID)
	if err != nil {
		return intent, err
	}
	if err := e.transport.SendTransaction(ctx, signed); err != nil {
		return intent, fmt.Errorf("发送交易失败 (nonce=%d, gas_price=%s): %w", nonce, intent.GasPrice, err)
	}

	e.logger.Debug("交易已提交",
		slog.String("function", labelOf(call)),
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	intent.Hash = signed.Hash()
	return intent, nil
}

// NextGasPrice returns max(suggested, prev*(100+bump)/100). A nil prev means
// first attempt.
func NextGasPrice(suggested, prev *big.Int, bumpPercent uint64) *big.Int {
	price := new(big.Int)
	if suggested != nil {
		price.Set(suggested)
	}
	if prev == nil {
		return price
	}
	bumped := new(big.Int).Mul(prev, new(big.Int).SetUint64(100+bumpPercent))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(prev) <= 0 {
		bumped.Add(prev, big.NewInt(1))
	}
	if bumped.Cmp(price) > 0 {
		return bumped
	}
	return price
}

// SendBatch reserves nonces n, n+1, ... under the account lock, signs every
// call and broadcasts them together. Every item gets an outcome.
func (e *Executor) SendBatch(ctx context.Context, calls []Call) (BatchResult, error) {
	if len(calls) == 0 {
		return BatchResult{}, xerrors.New(xerrors.CodeInvalidArgument, "批量交易不能为空")
	}

	account := e.signer.Address()
	unlock, err := e.locker.Lock(ctx, account)
	if err != nil {
		return BatchResult{}, fmt.Errorf("获取账户锁失败: %w", err)
	}
	defer unlock()

	chainID, err := e.transport.ChainID(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	base, err := e.transport.PendingNonceAt(ctx, account)
	if err != nil {
		return BatchResult{}, err
	}
	price, err := e.transport.SuggestGasPrice(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Items: make([]BatchItem, len(calls))}
	signed := make([]*types.Transaction, len(calls))
	for i, call := range calls {
		to := call.To
		intent := Intent{
			To:       &to,
			Function: call.Function,
			Value:    call.Value,
			GasLimit: e.cfg.GasLimit,
			GasPrice: price,
			Nonce:    base + uint64(i),
			Data:     call.Data,
		}
		tx, err := e.signer.Sign(intent.Tx(), chainID)
		if err != nil {
			return BatchResult{}, err
		}
		signed[i] = tx
		result.Items[i] = BatchItem{Index: i, Function: call.Function, Nonce: intent.Nonce, Hash: tx.Hash()}
	}

	for i, outcome := range e.transport.SendBatchTransactions(ctx, signed) {
		if i >= len(result.Items) {
			break
		}
		result.Items[i].Err = outcome.Err
		if e.observer != nil {
			e.observer.ObserveTxAttempt("batch", outcome.Err)
		}
	}
	if gaps := result.Gaps(); len(gaps) > 0 {
		e.logger.Warn("批量交易存在失败项，后续 nonce 将被阻塞", slog.Any("gap_nonces", gaps))
	}
	return result, nil
}

// RunSequence submits calls one after another, each after the previous one
// was accepted. It stops at the first call that exhausts its retries.
func (e *Executor) RunSequence(ctx context.Context, calls []Call) []Outcome {
	outcomes := make([]Outcome, 0, len(calls))
	for i, call := range calls {
		res, err := e.SendWithRetry(ctx, call)
		outcomes = append(outcomes, Outcome{Index: i, Function: call.Function, Result: res, Err: err})
		if err != nil {
			break
		}
	}
	return outcomes
}

// TriggerReentrancy invokes call iterations times, each as a fresh
// transaction with its own nonce. iterations is clamped to [1, MaxReentrancyRounds].
func (e *Executor) TriggerReentrancy(ctx context.Context, call Call, iterations int) []Outcome {
	if iterations < 1 {
		iterations = 1
	}
	if iterations > e.cfg.MaxReentrancyRounds {
		iterations = e.cfg.MaxReentrancyRounds
	}
	outcomes := make([]Outcome, 0, iterations)
	for i := 0; i < iterations; i++ {
		res, err := e.SendWithRetry(ctx, call)
		outcomes = append(outcomes, Outcome{Index: i, Function: call.Function, Result: res, Err: err})
		if err != nil {
			break
		}
	}
	return outcomes
}

// Deploy submits a contract creation and blocks until its receipt is available.
func (e *Executor) Deploy(ctx context.Context, contract abi.ABI, bytecode []byte, args []any) (Deployment, error) {
	if len(bytecode) == 0 {
		return Deployment{}, xerrors.New(xerrors.CodeInvalidArgument, "合约字节码不能为空")
	}
	ctor, err := PackConstructor(contract, args)
	if err != nil {
		return Deployment{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造部署交易失败")
	}
	data := append(append([]byte(nil), bytecode...), ctor...)

	intent, _, err := e.sendWithRetry(ctx, "deploy", nil, Call{Function: "constructor", Data: data})
	if err != nil {
		return Deployment{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := e.transport.WaitReceipt(waitCtx, intent.Hash)
	if err != nil {
		return Deployment{}, xerrors.Wrap(xerrors.CodeTimeout, err, "等待部署回执失败")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Deployment{}, xerrors.New(CodeReverted, "合约部署交易执行失败: "+intent.Hash.Hex())
	}
	return Deployment{Address: receipt.ContractAddress, Hash: intent.Hash, Receipt: receipt}, nil
}

func resultOf(intent Intent, attempts int) Result {
	return Result{
		Hash:     intent.Hash,
		Nonce:    intent.Nonce,
		GasLimit: intent.GasLimit,
		GasPrice: intent.GasPrice,
		Attempts: attempts,
	}
}

func labelOf(call Call) string {
	if call.Function != "" {
		return call.Function
	}
	return "raw(" + strconv.Itoa(len(call.Data)) + " bytes)"
}
