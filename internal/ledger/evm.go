package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// The allocator contract mirrors the original on-chain program: one record
// {authority, protocol, apyBps} and a single updateAllocation instruction
// gated on the authority signer.
const allocatorABIJSON = `[
{"inputs":[],"name":"currentAllocation","outputs":[{"internalType":"address","name":"authority","type":"address"},{"internalType":"uint8","name":"protocolId","type":"uint8"},{"internalType":"uint16","name":"apyBps","type":"uint16"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint8","name":"newProtocol","type":"uint8"},{"internalType":"uint16","name":"newApyBps","type":"uint16"}],"name":"updateAllocation","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var allocatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(allocatorABIJSON))
	if err != nil {
		panic("failed to parse allocator ABI: " + err.Error())
	}
	allocatorABI = parsed
}

// EVMOptions parameterise the on-chain allocation client.
type EVMOptions struct {
	RPCURL           string
	AllocatorAddress string
	AuthorityKey     string
	ChainID          int64
	RequestTimeout   time.Duration
	FinalityTimeout  time.Duration
}

// EVM reads and transitions the allocation record through an EVM RPC node.
type EVM struct {
	opts      EVMOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVM builds an allocation client. Connectivity is validated lazily on the
// first call, matching the node's availability rather than process start.
func NewEVM(opts EVMOptions, logger zerolog.Logger) *EVM {
	return &EVM{opts: opts, logger: logger.With().Str("component", "ledger_evm").Logger()}
}

// ReadState fetches the current allocation record.
func (e *EVM) ReadState(ctx context.Context) (AllocationRecord, error) {
	if e.opts.RPCURL == "" {
		return AllocationRecord{}, errors.New("ledger rpc url not configured")
	}
	if e.opts.AllocatorAddress == "" {
		return AllocationRecord{}, errors.New("allocator contract address not configured")
	}

	timeout := e.opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return AllocationRecord{}, fmt.Errorf("%w: %v", ErrStateRead, err)
	}

	addr := common.HexToAddress(e.opts.AllocatorAddress)

	payload, err := allocatorABI.Pack("currentAllocation")
	if err != nil {
		return AllocationRecord{}, fmt.Errorf("%w: %v", ErrStateRead, err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return AllocationRecord{}, fmt.Errorf("%w: %v", ErrStateRead, err)
	}
	if len(res) == 0 {
		// No code or no record at the address: the record was never
		// initialised.
		return AllocationRecord{}, ErrStateNotFound
	}

	outputs, err := allocatorABI.Unpack("currentAllocation", res)
	if err != nil {
		return AllocationRecord{}, fmt.Errorf("%w: decode allocation: %v", ErrStateRead, err)
	}
	if len(outputs) != 3 {
		return AllocationRecord{}, fmt.Errorf("%w: unexpected allocation tuple", ErrStateRead)
	}

	authority, ok := outputs[0].(common.Address)
	if !ok {
		return AllocationRecord{}, fmt.Errorf("%w: decode authority", ErrStateRead)
	}
	protocol, ok := outputs[1].(uint8)
	if !ok {
		return AllocationRecord{}, fmt.Errorf("%w: decode protocol id", ErrStateRead)
	}
	apyBps, ok := outputs[2].(uint16)
	if !ok {
		return AllocationRecord{}, fmt.Errorf("%w: decode apy bps", ErrStateRead)
	}

	return AllocationRecord{
		Authority:         authority.Hex(),
		CurrentProtocolID: int(protocol),
		CurrentAPYBps:     int64(apyBps),
	}, nil
}

// WriteState submits the signed transition and waits a bounded time for
// finality. Both fields are set by one transaction; the ledger applies them
// atomically or not at all.
func (e *EVM) WriteState(ctx context.Context, protocolID int, apyBps int64) (Receipt, error) {
	if protocolID < 0 || protocolID > 255 {
		return Receipt{}, fmt.Errorf("%w: protocol id %d out of range", ErrWriteRejected, protocolID)
	}
	if apyBps < 0 || apyBps > 65535 {
		return Receipt{}, fmt.Errorf("%w: apy bps %d out of range", ErrWriteRejected, apyBps)
	}

	key, err := e.authorityKey()
	if err != nil {
		return Receipt{}, err
	}

	current, err := e.ReadState(ctx)
	if err != nil {
		return Receipt{}, err
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(current.Authority, signer.Hex()) {
		return Receipt{}, fmt.Errorf("%w: record authority %s, signer %s", ErrUnauthorized, current.Authority, signer.Hex())
	}

	// The submission RPCs (nonce, gas, send) are bounded separately from the
	// finality wait below.
	submitTimeout := e.opts.RequestTimeout
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}
	submitCtx, cancelSubmit := context.WithTimeout(ctx, submitTimeout)
	defer cancelSubmit()

	client, err := e.getClient(submitCtx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(e.opts.ChainID))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: build transactor: %v", ErrWriteRejected, err)
	}
	auth.Context = submitCtx

	addr := common.HexToAddress(e.opts.AllocatorAddress)
	bound := bind.NewBoundContract(addr, allocatorABI, client, client, client)

	tx, err := bound.Transact(auth, "updateAllocation", uint8(protocolID), uint16(apyBps))
	if err != nil {
		// A deadline here is ambiguous: the transaction may have reached the
		// node before the context expired. Callers re-read state before any
		// retry, same as for a missed finality wait.
		if submitCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Receipt{}, fmt.Errorf("%w: submit: %v", ErrWriteTimeout, err)
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}

	e.logger.Info().Str("tx", tx.Hash().Hex()).Int("protocol", protocolID).Int64("apy_bps", apyBps).Msg("transition submitted")

	finality := e.opts.FinalityTimeout
	if finality <= 0 {
		finality = 90 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, finality)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, client, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The transaction may still land. Callers re-read state before
			// treating this as "no switch occurred".
			return Receipt{TxHash: tx.Hash().Hex()}, fmt.Errorf("%w: %v", ErrWriteTimeout, err)
		}
		return Receipt{TxHash: tx.Hash().Hex()}, fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{TxHash: tx.Hash().Hex()}, fmt.Errorf("%w: transaction reverted", ErrWriteRejected)
	}

	return Receipt{TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

func (e *EVM) authorityKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(e.opts.AuthorityKey), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%w: authority key not configured", ErrUnauthorized)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse authority key: %v", ErrUnauthorized, err)
	}
	return key, nil
}

func (e *EVM) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ ReadWriter = (*EVM)(nil)
