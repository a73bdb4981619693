package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/gin-gonic/gin"
	"github.com/metaid/token_indexer/blockchain"
	"github.com/metaid/token_indexer/indexer"
	"github.com/metaid/token_indexer/script"
	"github.com/metaid/token_indexer/storage"
	"github.com/metaid/token_indexer/token"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// Indexer is the query side of indexer.Indexer.
type Indexer interface {
	Tip() (*indexer.BlockRecord, error)
	TxHistoryPage(group string, member []byte, page, pageSize uint32) (*indexer.HistoryPage, error)
	Utxos(group string, member []byte) ([]indexer.Utxo, error)
	Balance(group string, member []byte) (*indexer.Balance, error)
	Tx(txid chainhash.Hash) (*indexer.TxInfo, error)
	TokenInfo(id token.ID) (*indexer.TokenInfo, error)
	BlockTxs(height int32) (*indexer.BlockRecord, []chainhash.Hash, error)
	MempoolTxIDs() []chainhash.Hash
	Subscribe(buffer int) (<-chan indexer.Event, func())
}

// ChainStatusSource reports the node's state, blockchain.Client in the
// daemon.
type ChainStatusSource interface {
	GetChainStatus() (*blockchain.ChainStatus, error)
}

type Server struct {
	indexer Indexer
	node    ChainStatusSource
	params  *chaincfg.Params
	Router  *gin.Engine
	log     *zap.Logger

	mu   sync.Mutex
	http *http.Server
}

func NewServer(idx Indexer, params *chaincfg.Params, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	s := &Server{
		indexer: idx,
		params:  params,
		Router:  gin.New(),
		log:     logger.With(zap.String("component", "api")),
	}
	s.Router.Use(gin.Recovery(), s.logRequests)
	s.setupRoutes()
	return s
}

// SetNode enables node status on /status.
func (s *Server) SetNode(node ChainStatusSource) {
	s.node = node
}

func (s *Server) setupRoutes() {
	s.Router.GET("/status", s.getStatus)
	s.Router.GET("/block/:height", s.getBlock)
	s.Router.GET("/tx/:txid", s.getTx)
	s.Router.GET("/token/:tokenid", s.getToken)
	s.Router.GET("/mempool", s.getMempool)
	s.Router.GET("/events", s.streamEvents)

	s.Router.GET("/address/:address/history", s.addressMember, s.getHistory)
	s.Router.GET("/address/:address/utxos", s.addressMember, s.getUtxos)
	s.Router.GET("/address/:address/balance", s.addressMember, s.getBalance)

	s.Router.GET("/group/:group/:member/history", s.groupMember, s.getHistory)
	s.Router.GET("/group/:group/:member/utxos", s.groupMember, s.getUtxos)
	s.Router.GET("/group/:group/:member/balance", s.groupMember, s.getBalance)
}

func (s *Server) logRequests(c *gin.Context) {
	started := time.Now()
	c.Next()
	s.log.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("took", time.Since(started)))
}

func respondErr(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// respondQueryErr maps lookup errors to 404 and the rest to 500.
func respondQueryErr(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, indexer.ErrUnknownGroup) {
		respondErr(c, http.StatusNotFound, err)
		return
	}
	respondErr(c, http.StatusInternalServerError, err)
}

// addressMember resolves :address to the script group member of its
// output script.
func (s *Server) addressMember(c *gin.Context) {
	addr, err := btcutil.DecodeAddress(c.Param("address"), s.params)
	if err != nil {
		respondErr(c, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	payloads := script.Payloads(pkScript)
	if len(payloads) == 0 {
		respondErr(c, http.StatusBadRequest, errors.New("address has no indexed script form"))
		return
	}
	c.Set("group", "script")
	c.Set("member", payloads[0].Member())
}

func (s *Server) groupMember(c *gin.Context) {
	member, err := hex.DecodeString(c.Param("member"))
	if err != nil || len(member) == 0 {
		respondErr(c, http.StatusBadRequest, errors.New("member must be non-empty hex"))
		return
	}
	c.Set("group", c.Param("group"))
	c.Set("member", member)
}

func (s *Server) getHistory(c *gin.Context) {
	page, err := queryUint(c, "page", 0)
	if err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	pageSize, err := queryUint(c, "page_size", defaultPageSize)
	if err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	if pageSize == 0 || pageSize > maxPageSize {
		respondErr(c, http.StatusBadRequest, fmt.Errorf("page_size must be in [1, %d]", maxPageSize))
		return
	}
	history, err := s.indexer.TxHistoryPage(c.GetString("group"), c.MustGet("member").([]byte), page, pageSize)
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) getUtxos(c *gin.Context) {
	utxos, err := s.indexer.Utxos(c.GetString("group"), c.MustGet("member").([]byte))
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"utxos": utxos,
		"count": len(utxos),
	})
}

func (s *Server) getBalance(c *gin.Context) {
	balance, err := s.indexer.Balance(c.GetString("group"), c.MustGet("member").([]byte))
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (s *Server) getTx(c *gin.Context) {
	txid, err := chainhash.NewHashFromStr(c.Param("txid"))
	if err != nil {
		respondErr(c, http.StatusBadRequest, fmt.Errorf("invalid txid: %w", err))
		return
	}
	info, err := s.indexer.Tx(*txid)
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getToken(c *gin.Context) {
	id, err := token.IDFromString(c.Param("tokenid"))
	if err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	info, err := s.indexer.TokenInfo(id)
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getBlock(c *gin.Context) {
	height, err := strconv.ParseInt(c.Param("height"), 10, 32)
	if err != nil || height < 0 {
		respondErr(c, http.StatusBadRequest, errors.New("height must be a non-negative integer"))
		return
	}
	block, txids, err := s.indexer.BlockTxs(int32(height))
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"block": block,
		"txs":   txids,
	})
}

func (s *Server) getMempool(c *gin.Context) {
	txids := s.indexer.MempoolTxIDs()
	c.JSON(http.StatusOK, gin.H{
		"txs":   txids,
		"count": len(txids),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	tip, err := s.indexer.Tip()
	if err != nil {
		respondQueryErr(c, err)
		return
	}
	resp := gin.H{"tip": tip}
	if s.node != nil {
		status, err := s.node.GetChainStatus()
		if err != nil {
			s.log.Warn("chain status unavailable", zap.Error(err))
		} else {
			resp["node"] = status
		}
	}
	c.JSON(http.StatusOK, resp)
}

// streamEvents pushes indexer events as server-sent events until the
// client goes away.
func (s *Server) streamEvents(c *gin.Context) {
	events, unsubscribe := s.indexer.Subscribe(64)
	defer unsubscribe()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind.String(), ev)
			return true
		}
	})
}

func queryUint(c *gin.Context, name string, def uint32) (uint32, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return uint32(v), nil
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	s.log.Info("api listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
