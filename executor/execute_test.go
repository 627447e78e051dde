package executor

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var errLocked = errors.New("authentication needed")

// keySigner signs with a raw key and can be locked.
type keySigner struct {
	key    *ecdsa.PrivateKey
	locked bool
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address { return ethcrypto.PubkeyToAddress(s.key.PublicKey) }

func (s *keySigner) SignMessage(msg []byte) ([]byte, error) {
	if s.locked {
		return nil, errLocked
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *keySigner) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.locked {
		return nil, errLocked
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func (s *keySigner) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	if s.locked {
		return nil, errLocked
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}
	return ethcrypto.Sign(hash, s.key)
}

func (s *keySigner) Decrypt(ciphertext []byte) ([]byte, error) {
	if s.locked {
		return nil, errLocked
	}
	return ecies.ImportECDSA(s.key).Decrypt(ciphertext, nil, nil)
}

// fakeBackend records broadcasts and answers fill queries.
type fakeBackend struct {
	nonce    uint64
	gas      uint64
	gasPrice *big.Int
	sent     []*types.Transaction
	sendErr  error
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return b.gas, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return b.gasPrice, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return raw
}

func recoverPersonal(t *testing.T, msg []byte, result json.RawMessage) common.Address {
	t.Helper()
	var sigHex string
	if err := json.Unmarshal(result, &sigHex); err != nil {
		t.Fatalf("result is not a JSON string: %v", err)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		t.Fatalf("signature is not hex: %v", err)
	}
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		t.Fatalf("SigToPub() error = %v", err)
	}
	return ethcrypto.PubkeyToAddress(*pub)
}

func TestExecute_NilRequest(t *testing.T) {
	_, err := Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "cannot be nil") {
		t.Errorf("Execute() with nil request error = %v, want error containing 'cannot be nil'", err)
	}
}

func TestExecute_InvalidRequest(t *testing.T) {
	signer := newKeySigner(t)
	tests := []struct {
		name   string
		req    *ExecuteRequest
		errMsg string
	}{
		{"empty method", &ExecuteRequest{Account: signer}, "method cannot be empty"},
		{"nil account", &ExecuteRequest{Method: MethodPersonalSign}, "account cannot be nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Execute(context.Background(), tt.req)
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Execute() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestExecute_UnsupportedMethod(t *testing.T) {
	_, err := Execute(context.Background(), &ExecuteRequest{
		Method:  "eth_accounts",
		Params:  json.RawMessage(`[]`),
		Account: newKeySigner(t),
	})
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedMethod", err)
	}
}

func TestExecute_PersonalSignAndEthSign(t *testing.T) {
	signer := newKeySigner(t)
	addr := strings.ToLower(signer.Address().Hex())

	tests := []struct {
		name   string
		method string
		params []string
		msg    []byte
	}{
		{"personal_sign hex", MethodPersonalSign, []string{"0x68656c6c6f", addr}, []byte("hello")},
		{"personal_sign utf8", MethodPersonalSign, []string{"hello world", addr}, []byte("hello world")},
		{"personal_sign reversed", MethodPersonalSign, []string{addr, "0x68656c6c6f"}, []byte("hello")},
		{"eth_sign", MethodEthSign, []string{addr, "0x68656c6c6f"}, []byte("hello")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Execute(context.Background(), &ExecuteRequest{
				Method:  tt.method,
				Params:  mustJSON(t, tt.params),
				Account: signer,
			})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := recoverPersonal(t, tt.msg, res.Result); got != signer.Address() {
				t.Errorf("recovered %s, want %s", got.Hex(), signer.Address().Hex())
			}
		})
	}
}

func TestExecute_LockedAccountErrorPassesThrough(t *testing.T) {
	signer := newKeySigner(t)
	signer.locked = true
	_, err := Execute(context.Background(), &ExecuteRequest{
		Method:  MethodPersonalSign,
		Params:  mustJSON(t, []string{"0x00", signer.Address().Hex()}),
		Account: signer,
	})
	if !errors.Is(err, errLocked) {
		t.Errorf("Execute() error = %v, want the account's error", err)
	}
}

func TestExecute_SignTypedData(t *testing.T) {
	signer := newKeySigner(t)
	typed := `{"types":{"EIP712Domain":[{"name":"name","type":"string"}],"Mail":[{"name":"contents","type":"string"}]},"primaryType":"Mail","domain":{"name":"Test"},"message":{"contents":"hi"}}`

	for _, params := range []json.RawMessage{
		mustJSON(t, []string{signer.Address().Hex(), typed}),
		json.RawMessage(`["` + signer.Address().Hex() + `",` + typed + `]`),
	} {
		res, err := Execute(context.Background(), &ExecuteRequest{
			Method:  MethodSignTypedDataV4,
			Params:  params,
			Account: signer,
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		var sig string
		json.Unmarshal(res.Result, &sig)
		if len(sig) != 2+130 {
			t.Errorf("signature %q has wrong length", sig)
		}
	}

	_, err := Execute(context.Background(), &ExecuteRequest{
		Method:  MethodSignTypedData,
		Params:  mustJSON(t, []string{signer.Address().Hex(), "not json"}),
		Account: signer,
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Execute() with bad typed data error = %v, want ErrInvalidParams", err)
	}
}

func TestExecute_SignTransaction(t *testing.T) {
	signer := newKeySigner(t)
	chainID := big.NewInt(44787)
	to := common.HexToAddress("0x2d936b3ada6142b4248de1847c14fa2f4c5b63c3")

	tests := []struct {
		name    string
		tx      map[string]interface{}
		backend *fakeBackend
		wantErr error
		check   func(t *testing.T, tx *types.Transaction)
	}{
		{
			name: "complete legacy",
			tx: map[string]interface{}{
				"from": signer.Address().Hex(), "to": to.Hex(), "gas": "0x5208",
				"gasPrice": "0x3b9aca00", "nonce": "0x7", "value": "0x1", "data": "0x",
			},
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.Nonce() != 7 || tx.Gas() != 21000 || tx.GasPrice().Int64() != 1e9 {
					t.Errorf("tx = nonce %d gas %d price %v", tx.Nonce(), tx.Gas(), tx.GasPrice())
				}
			},
		},
		{
			name: "dynamic fee",
			tx: map[string]interface{}{
				"to": to.Hex(), "gas": "0x5208", "maxFeePerGas": "0x10", "maxPriorityFeePerGas": "0x1", "nonce": "0x0",
			},
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.Type() != types.DynamicFeeTxType || tx.GasFeeCap().Int64() != 16 {
					t.Errorf("tx type %d fee cap %v", tx.Type(), tx.GasFeeCap())
				}
			},
		},
		{
			name:    "filled from backend",
			tx:      map[string]interface{}{"to": to.Hex(), "value": "0x10"},
			backend: &fakeBackend{nonce: 3, gas: 25000, gasPrice: big.NewInt(5)},
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.Nonce() != 3 || tx.Gas() != 25000 || tx.GasPrice().Int64() != 5 {
					t.Errorf("tx = nonce %d gas %d price %v", tx.Nonce(), tx.Gas(), tx.GasPrice())
				}
			},
		},
		{
			name:    "skip normalization",
			tx:      map[string]interface{}{"to": to.Hex(), "__skip_normalization": true},
			backend: &fakeBackend{nonce: 3, gas: 25000, gasPrice: big.NewInt(5)},
			wantErr: ErrInvalidParams,
		},
		{
			name:    "missing nonce without backend",
			tx:      map[string]interface{}{"to": to.Hex(), "gas": "0x5208", "gasPrice": "0x1"},
			wantErr: ErrInvalidParams,
		},
		{
			name:    "foreign from",
			tx:      map[string]interface{}{"from": to.Hex(), "gas": "0x5208", "gasPrice": "0x1", "nonce": "0x0"},
			wantErr: ErrInvalidParams,
		},
		{
			name:    "wrong chain",
			tx:      map[string]interface{}{"gas": "0x5208", "gasPrice": "0x1", "nonce": "0x0", "chainId": "0x1"},
			wantErr: ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &ExecuteRequest{
				Method:  MethodSignTransaction,
				Params:  mustJSON(t, []interface{}{tt.tx}),
				Account: signer,
				ChainID: chainID,
			}
			if tt.backend != nil {
				req.Backend = tt.backend
			}
			res, err := Execute(context.Background(), req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Execute() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			var rawHex string
			json.Unmarshal(res.Result, &rawHex)
			raw, err := hexutil.Decode(rawHex)
			if err != nil {
				t.Fatalf("result is not hex: %v", err)
			}
			var decoded types.Transaction
			if err := decoded.UnmarshalBinary(raw); err != nil {
				t.Fatalf("UnmarshalBinary() error = %v", err)
			}
			sender, err := types.Sender(types.LatestSignerForChainID(chainID), &decoded)
			if err != nil || sender != signer.Address() {
				t.Errorf("sender = %s, %v; want %s", sender.Hex(), err, signer.Address().Hex())
			}
			tt.check(t, &decoded)
		})
	}
}

func TestExecute_GasPriceOverride(t *testing.T) {
	signer := newKeySigner(t)
	backend := &fakeBackend{nonce: 1, gas: 21000, gasPrice: big.NewInt(5)}
	res, err := Execute(context.Background(), &ExecuteRequest{
		Method:  MethodSignTransaction,
		Params:  json.RawMessage(`[{"to":"0x2d936b3ada6142b4248de1847c14fa2f4c5b63c3"}]`),
		Account: signer,
		ChainID: big.NewInt(42220),
		Backend: backend,
		GasPrice: func(context.Context) (*big.Int, error) {
			return big.NewInt(77), nil
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Transaction.GasPrice().Int64() != 77 {
		t.Errorf("gas price = %v, want 77 from override", res.Transaction.GasPrice())
	}
}

func TestExecute_SendTransaction(t *testing.T) {
	signer := newKeySigner(t)
	params := json.RawMessage(`[{"to":"0x2d936b3ada6142b4248de1847c14fa2f4c5b63c3","value":"0x1"}]`)

	if _, err := Execute(context.Background(), &ExecuteRequest{
		Method: MethodSendTransaction, Params: params, Account: signer, ChainID: big.NewInt(1),
	}); err == nil {
		t.Error("Execute() eth_sendTransaction without backend error = nil, want error")
	}

	backend := &fakeBackend{nonce: 0, gas: 21000, gasPrice: big.NewInt(1)}
	res, err := Execute(context.Background(), &ExecuteRequest{
		Method: MethodSendTransaction, Params: params, Account: signer, ChainID: big.NewInt(1), Backend: backend,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("backend received %d transactions, want 1", len(backend.sent))
	}
	var hash string
	json.Unmarshal(res.Result, &hash)
	if hash != backend.sent[0].Hash().Hex() {
		t.Errorf("result = %s, want hash %s", hash, backend.sent[0].Hash().Hex())
	}

	backend.sendErr = errors.New("nonce too low")
	if _, err := Execute(context.Background(), &ExecuteRequest{
		Method: MethodSendTransaction, Params: params, Account: signer, ChainID: big.NewInt(1), Backend: backend,
	}); !errors.Is(err, backend.sendErr) {
		t.Errorf("Execute() error = %v, want broadcast error", err)
	}
}

func TestExecute_PersonalDecrypt(t *testing.T) {
	signer := newKeySigner(t)
	ciphertext, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(&signer.key.PublicKey), []byte("for your eyes"), nil, nil)
	if err != nil {
		t.Fatalf("ecies.Encrypt() error = %v", err)
	}
	res, err := Execute(context.Background(), &ExecuteRequest{
		Method:  MethodPersonalDecrypt,
		Params:  mustJSON(t, []string{signer.Address().Hex(), hexutil.Encode(ciphertext)}),
		Account: signer,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var plaintext string
	json.Unmarshal(res.Result, &plaintext)
	if plaintext != "for your eyes" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func TestRequestAddress(t *testing.T) {
	addr := common.HexToAddress("0x2d936b3ada6142b4248de1847c14fa2f4c5b63c3")
	lower := strings.ToLower(addr.Hex())

	tests := []struct {
		name   string
		method string
		params string
		want   bool
	}{
		{"personal_sign", MethodPersonalSign, `["0x68656c6c6f","` + lower + `"]`, true},
		{"personal_sign reversed", MethodPersonalSign, `["` + lower + `","0x68656c6c6f"]`, true},
		{"eth_sign", MethodEthSign, `["` + lower + `","0x68656c6c6f"]`, true},
		{"typed data", MethodSignTypedDataV4, `["` + lower + `",{}]`, true},
		{"transaction", MethodSignTransaction, `[{"from":"` + lower + `"}]`, true},
		{"transaction without from", MethodSendTransaction, `[{"to":"` + lower + `"}]`, false},
		{"decrypt", MethodPersonalDecrypt, `["` + lower + `","0x00"]`, true},
		{"unsupported", "eth_accounts", `[]`, false},
		{"bad params", MethodEthSign, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RequestAddress(tt.method, json.RawMessage(tt.params))
			if ok != tt.want {
				t.Fatalf("RequestAddress() ok = %v, want %v", ok, tt.want)
			}
			if ok && got != addr {
				t.Errorf("RequestAddress() = %s, want %s", got.Hex(), addr.Hex())
			}
		})
	}
}
