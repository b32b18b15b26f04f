package onchain

// wallet.go — operaciones on-chain de la wallet de trading en Polygon.
//
// Antes de operar en el CLOB la wallet necesita:
//   - ERC1155 setApprovalForAll en los exchanges (para vender tokens YES/NO)
//   - ERC20 approve de USDC.e en los exchanges (colateral de las compras)
//
// También estima el coste en USD de un merge YES+NO → USDC.e, que es el gas
// que paga realizar un bundle comprado. El detector lo descuenta del edge.

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	polygonChainID = int64(137)

	// USDC.e collateral on Polygon
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF contract — holds conditional tokens (ERC1155)
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// Exchange contracts that need approvals
	normalExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	negRiskAdapter  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	// Gas limits (conservative upper bounds)
	mergeGasLimit    = uint64(200_000)
	approvalGasLimit = uint64(80_000)

	polPriceFallbackUSD    = 0.12
	polPriceTTL            = 15 * time.Minute
	gasPriceUpdateInterval = 5 * time.Minute

	defaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=polygon-ecosystem-token&vs_currencies=usd"
)

var (
	erc1155ABI abi.ABI
	erc20ABI   abi.ABI
)

func init() {
	var err error

	erc1155ABI, err = abi.JSON(strings.NewReader(`[
		{"name":"setApprovalForAll","type":"function",
		 "inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
		{"name":"isApprovedForAll","type":"function",
		 "inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],
		 "outputs":[{"name":"","type":"bool"}]}
	]`))
	if err != nil {
		panic("erc1155 abi parse: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{"name":"approve","type":"function",
		 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"name":"allowance","type":"function",
		 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Wallet firma y envía transacciones de la wallet de trading.
type Wallet struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	httpClient *http.Client
	priceURL   string

	mu             sync.RWMutex
	cachedGasWei   *big.Int
	gasUpdatedAt   time.Time
	cachedPOLPrice float64
	polPriceAt     time.Time
}

// NewWallet conecta con el RPC de Polygon. privateKeyHex va sin prefijo 0x.
func NewWallet(rpcURL, privateKeyHex string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.NewWallet: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewWallet: dial rpc %s: %w", rpcURL, err)
	}

	return &Wallet{
		client:     client,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		priceURL:   defaultPriceURL,
	}, nil
}

// Address devuelve la dirección de la wallet.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Close cierra la conexión RPC.
func (w *Wallet) Close() {
	w.client.Close()
}

// MergeCostUSD estima el coste en USD de un merge on-chain YES+NO → USDC.e.
// Si el RPC falla usa 100 gwei como precio de gas.
func (w *Wallet) MergeCostUSD(ctx context.Context) float64 {
	gasPrice, err := w.gasPrice(ctx)
	if err != nil {
		gasPrice = big.NewInt(100_000_000_000)
	}
	return gasCostUSD(gasPrice, mergeGasLimit, w.polPriceUSD(ctx))
}

// EnsureApprovals comprueba y, si faltan, envía:
//   - ERC1155 setApprovalForAll en los tres contratos de exchange
//   - ERC20 approve de USDC.e en los dos exchanges
func (w *Wallet) EnsureApprovals(ctx context.Context) error {
	ctf := common.HexToAddress(ctfAddress)
	for _, op := range []string{normalExchange, negRiskExchange, negRiskAdapter} {
		operator := common.HexToAddress(op)
		approved, err := w.isApprovedForAll(ctx, operator)
		if err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: check ERC1155 approval for %s: %w", op, err)
		}
		if approved {
			slog.Debug("onchain: ERC1155 approval already set", "operator", op)
			continue
		}

		slog.Info("onchain: setting ERC1155 approval", "operator", op)
		data, err := erc1155ABI.Pack("setApprovalForAll", operator, true)
		if err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: pack: %w", err)
		}
		if err := w.sendAndWait(ctx, ctf, data); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: setApprovalForAll %s: %w", op, err)
		}
	}

	usdc := common.HexToAddress(usdcEAddress)
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	minAllowance := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000)) // 1M USDC.e

	for _, ex := range []string{normalExchange, negRiskExchange} {
		spender := common.HexToAddress(ex)
		allowance, err := w.allowance(ctx, usdc, spender)
		if err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: check USDC.e allowance for %s: %w", ex, err)
		}
		if allowance.Cmp(minAllowance) >= 0 {
			slog.Debug("onchain: USDC.e allowance sufficient", "exchange", ex)
			continue
		}

		slog.Info("onchain: setting USDC.e approval", "exchange", ex)
		data, err := erc20ABI.Pack("approve", spender, maxUint256)
		if err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: pack: %w", err)
		}
		if err := w.sendAndWait(ctx, usdc, data); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: approve %s: %w", ex, err)
		}
	}
	return nil
}

func (w *Wallet) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	data, err := erc1155ABI.Pack("isApprovedForAll", w.address, operator)
	if err != nil {
		return false, err
	}
	ctf := common.HexToAddress(ctfAddress)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &ctf, Data: data}, nil)
	if err != nil {
		return false, err
	}
	vals, err := erc1155ABI.Unpack("isApprovedForAll", out)
	if err != nil || len(vals) == 0 {
		return false, err
	}
	return vals[0].(bool), nil
}

func (w *Wallet) allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", w.address, spender)
	if err != nil {
		return nil, err
	}
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("allowance", out)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

// sendAndWait firma una llamada a contrato, la envía y espera el receipt.
func (w *Wallet) sendAndWait(ctx context.Context, to common.Address, data []byte) error {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := w.gasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), approvalGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), w.privateKey)
	if err != nil {
		return err
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return err
	}

	receiptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	receipt, err := w.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		return fmt.Errorf("wait receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("tx %s reverted", signed.Hash().Hex())
	}
	return nil
}

// gasPrice devuelve el precio de gas sugerido +10%, cacheado unos minutos.
func (w *Wallet) gasPrice(ctx context.Context) (*big.Int, error) {
	w.mu.RLock()
	cached := w.cachedGasWei
	updatedAt := w.gasUpdatedAt
	w.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached, nil
	}

	price, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	w.mu.Lock()
	w.cachedGasWei = buffered
	w.gasUpdatedAt = time.Now()
	w.mu.Unlock()
	return buffered, nil
}

func (w *Wallet) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // todavía no minada
			}
			return receipt, nil
		}
	}
}

// polPriceUSD devuelve el precio de POL cacheado, refrescándolo si caducó.
func (w *Wallet) polPriceUSD(ctx context.Context) float64 {
	w.mu.RLock()
	price := w.cachedPOLPrice
	updatedAt := w.polPriceAt
	w.mu.RUnlock()

	if price > 0 && time.Since(updatedAt) < polPriceTTL {
		return price
	}

	fetched, err := fetchPOLPrice(ctx, w.httpClient, w.priceURL)
	if err != nil {
		slog.Warn("onchain: failed to fetch POL price, using fallback", "err", err)
		if price > 0 {
			return price
		}
		return polPriceFallbackUSD
	}

	w.mu.Lock()
	w.cachedPOLPrice = fetched
	w.polPriceAt = time.Now()
	w.mu.Unlock()
	return fetched
}

// fetchPOLPrice consulta CoinGecko.
func fetchPOLPrice(ctx context.Context, hc *http.Client, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko status %d: %s", resp.StatusCode, body)
	}

	var data map[string]map[string]float64
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, err
	}
	price, ok := data["polygon-ecosystem-token"]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("POL price not found in response")
	}
	return price, nil
}

// gasCostUSD convierte gasPrice (wei) × gasLimit a USD al precio de POL dado.
func gasCostUSD(gasPriceWei *big.Int, gasLimit uint64, polUSD float64) float64 {
	wei := new(big.Int).Mul(gasPriceWei, new(big.Int).SetUint64(gasLimit))
	pol := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	f, _ := pol.Float64()
	return f * polUSD
}
