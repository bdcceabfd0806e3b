package btcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/anchorlabs/btcanchor/internal/anchoring"
	"github.com/anchorlabs/btcanchor/internal/config"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

// Client wraps a JSON-RPC connection to a full Bitcoin node, rate-limited
// so a misbehaving controller loop can't hammer the node, and satisfies
// anchoring.BitcoinClient.
type Client struct {
	rpc     *rpcclient.Client
	limiter *rate.Limiter
}

// Config holds the connection parameters for a Bitcoin RPC endpoint.
type Config struct {
	Host string
	User string
	Pass string
	TLS  bool
}

// New dials a Bitcoin node's JSON-RPC endpoint. The connection is HTTP
// POST based (no persistent websocket), matching how node operators run a
// local bitcoind in cookie- or userpass-authenticated RPC mode.
func New(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   !cfg.TLS,
	}

	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, cfg.Host, err)
	}

	return &Client{
		rpc:     rpc,
		limiter: rate.NewLimiter(rate.Every(time.Second/5), 5),
	}, nil
}

// Shutdown closes the underlying RPC connection.
func (c *Client) Shutdown() {
	c.rpc.Shutdown()
}

// ListUnspent returns the unspent outputs currently paying addr, as
// reported by the node's wallet. The address must have been imported (via
// importaddress or a watch-only descriptor) for the node to track it.
func (c *Client) ListUnspent(addr btcutil.Address) ([]anchoring.UTXO, error) {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	results, err := c.rpc.ListUnspentMinMaxAddresses(1, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, fmt.Errorf("%w: listunspent: %v", ErrTransport, err)
	}

	utxos := make([]anchoring.UTXO, 0, len(results))
	for _, r := range results {
		txid, err := chainhash.NewHashFromStr(r.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing utxo txid %q: %v", ErrTransport, r.TxID, err)
		}
		utxos = append(utxos, anchoring.UTXO{
			TxID:   *txid,
			Vout:   r.Vout,
			Amount: int64(r.Amount * 1e8),
		})
	}
	return utxos, nil
}

// GetRawTransaction fetches a transaction by id from the node, which must
// either have it in its mempool/wallet or run with transaction indexing
// enabled (txindex=1).
func (c *Client) GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	tx, err := c.rpc.GetRawTransaction(&txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s: %v", anchoring.ErrTxNotFound, ErrNoInformation, txid, err)
	}
	return tx.MsgTx(), nil
}

// SendRawTransaction broadcasts a fully signed transaction, making up to
// config.RPCMaxRetries attempts in all. Any error from the node is retried,
// not only transport failures.
func (c *Client) SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error) {
	var lastErr error
	for attempt := 0; attempt < config.RPCMaxRetries; attempt++ {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		txid, err := c.rpc.SendRawTransaction(tx, false)
		if err == nil {
			return *txid, nil
		}
		lastErr = err
	}
	return chainhash.Hash{}, fmt.Errorf("%w: sendrawtransaction after %d attempts: %v", ErrTransport, config.RPCMaxRetries, lastErr)
}
