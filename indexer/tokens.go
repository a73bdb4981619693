package indexer

import (
	"errors"
	"fmt"

	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer/group"
	"github.com/metaid/token_indexer/storage"
	"github.com/metaid/token_indexer/token"
	"lukechampine.com/uint128"
)

// TokenMeta is the value of token_meta: the interned token and the tx
// num of its GENESIS.
type TokenMeta struct {
	Num          uint32
	Meta         token.Meta
	GenesisTxNum uint64
}

func encodeType(e *common.Encoder, t token.Type) {
	e.U8(uint8(t.Protocol))
	e.U8(t.Len)
	e.U16(t.Code)
}

func decodeType(d *common.Decoder) token.Type {
	return token.Type{Protocol: token.Protocol(d.U8()), Len: d.U8(), Code: d.U16()}
}

func (m *TokenMeta) encode() []byte {
	var e common.Encoder
	e.Raw(m.Meta.ID[:])
	encodeType(&e, m.Meta.Type)
	e.U64(m.GenesisTxNum)
	out, _ := e.Bytes()
	return out
}

func decodeTokenMeta(num uint32, v []byte) (*TokenMeta, error) {
	d := common.NewDecoder(v)
	m := &TokenMeta{Num: num}
	copy(m.Meta.ID[:], d.Raw(32))
	m.Meta.Type = decodeType(d)
	m.GenesisTxNum = d.U64()
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode token meta %d: %w", num, err)
	}
	return m, nil
}

func encodeGenesis(e *common.Encoder, g *token.GenesisInfo) {
	e.VarBytes(g.Ticker)
	e.VarBytes(g.Name)
	e.VarBytes(g.URL)
	e.Bool(g.Hash != nil)
	if g.Hash != nil {
		e.Raw(g.Hash[:])
	}
	e.VarBytes(g.Data)
	e.VarBytes(g.AuthPubkey)
	e.U8(g.Decimals)
}

func decodeGenesis(d *common.Decoder) *token.GenesisInfo {
	g := &token.GenesisInfo{
		Ticker: d.VarBytes("ticker"),
		Name:   d.VarBytes("name"),
		URL:    d.VarBytes("url"),
	}
	if d.Bool() {
		var h [32]byte
		copy(h[:], d.Raw(32))
		g.Hash = &h
	}
	g.Data = d.VarBytes("data")
	g.AuthPubkey = d.VarBytes("auth pubkey")
	g.Decimals = d.U8()
	return g
}

// TokenReader reads the token tables.
type TokenReader struct {
	r storage.Reader
}

func NewTokenReader(r storage.Reader) TokenReader { return TokenReader{r: r} }

func (tr TokenReader) TokenNum(id token.ID) (uint32, bool, error) {
	v, err := tr.r.Get(storage.CFTokenNumByID, id[:])
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return common.NewDecoder(v).U32(), true, nil
}

func (tr TokenReader) Meta(num uint32) (*TokenMeta, error) {
	v, err := tr.r.Get(storage.CFTokenMeta, common.BE32(num))
	if err != nil {
		return nil, err
	}
	return decodeTokenMeta(num, v)
}

func (tr TokenReader) Genesis(num uint32) (*token.GenesisInfo, error) {
	v, err := tr.r.Get(storage.CFTokenGenesis, common.BE32(num))
	if err != nil {
		return nil, err
	}
	d := common.NewDecoder(v)
	g := decodeGenesis(d)
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode genesis of token %d: %w", num, err)
	}
	return g, nil
}

// NextTokenNum is one past the highest interned token num.
func (tr TokenReader) NextTokenNum() (uint32, error) {
	key, _, err := lastKey(tr.r, storage.CFTokenMeta)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return common.NewDecoder(key).U32() + 1, nil
}

// TxData returns the token record of a confirmed tx, nil if it has none.
func (tr TokenReader) TxData(txNum uint64) (*token.TxData, error) {
	v, err := tr.r.Get(storage.CFTokenTxData, common.BE64(txNum))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tr.decodeTxData(v)
}

// insertTokens interns new GENESIS tokens and stores the records of txs.
func insertTokens(b *storage.Batch, txs []*group.IndexTx) error {
	next, err := NewTokenReader(b).NextTokenNum()
	if err != nil {
		return err
	}
	for _, tx := range txs {
		data := tx.Tokens
		if !data.HasTokens() {
			continue
		}
		if genesis := data.GenesisSection(); genesis != nil {
			meta := &TokenMeta{Num: next, Meta: genesis.Meta, GenesisTxNum: tx.TxNum}
			if err := putTokenMeta(b, meta, genesis.GenesisInfo); err != nil {
				return err
			}
			next++
		}
		v, err := encodeTxData(NewTokenReader(b), data)
		if err != nil {
			return fmt.Errorf("encode token data of %s: %w", tx.Tx.TxID, err)
		}
		if err := b.Put(storage.CFTokenTxData, common.BE64(tx.TxNum), v); err != nil {
			return err
		}
	}
	return nil
}

func putTokenMeta(b *storage.Batch, meta *TokenMeta, info *token.GenesisInfo) error {
	key := common.BE32(meta.Num)
	if err := b.Put(storage.CFTokenMeta, key, meta.encode()); err != nil {
		return err
	}
	if err := b.Put(storage.CFTokenNumByID, meta.Meta.ID[:], key); err != nil {
		return err
	}
	if info == nil {
		info = &token.GenesisInfo{}
	}
	var e common.Encoder
	encodeGenesis(&e, info)
	v, err := e.Bytes()
	if err != nil {
		return err
	}
	return b.Put(storage.CFTokenGenesis, key, v)
}

// deleteTokens removes the records of txs and un-interns their GENESIS
// tokens.
func deleteTokens(b *storage.Batch, txs []*group.IndexTx) error {
	tr := NewTokenReader(b)
	for _, tx := range txs {
		if genesis := tx.Tokens.GenesisSection(); genesis != nil {
			num, ok, err := tr.TokenNum(genesis.Meta.ID)
			if err != nil {
				return err
			}
			if ok {
				key := common.BE32(num)
				for _, del := range []struct {
					cf  storage.CF
					key []byte
				}{
					{storage.CFTokenMeta, key},
					{storage.CFTokenGenesis, key},
					{storage.CFTokenNumByID, genesis.Meta.ID[:]},
				} {
					if err := b.Delete(del.cf, del.key); err != nil {
						return err
					}
				}
			}
		}
		if err := b.Delete(storage.CFTokenTxData, common.BE64(tx.TxNum)); err != nil {
			return err
		}
	}
	return nil
}

// Token ids in a record are interned: each distinct id is written once,
// as its token num when it has one and verbatim otherwise, and referenced
// by position.
type idTable struct {
	ids   []token.ID
	index map[token.ID]int
}

func (t *idTable) ref(id token.ID) int {
	if t.index == nil {
		t.index = make(map[token.ID]int)
	}
	if i, ok := t.index[id]; ok {
		return i
	}
	t.index[id] = len(t.ids)
	t.ids = append(t.ids, id)
	return len(t.ids) - 1
}

func encodeToken(e *common.Encoder, ids *idTable, t *token.Token) {
	if t == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.VarInt(uint64(ids.ref(t.Meta.ID)))
	encodeType(e, t.Meta.Type)
	e.U64(t.Amount)
	e.Bool(t.IsMintBaton)
	e.Bool(t.GroupTokenID != nil)
	if t.GroupTokenID != nil {
		e.VarInt(uint64(ids.ref(*t.GroupTokenID)))
	}
}

func encodeTxData(tr TokenReader, data *token.TxData) ([]byte, error) {
	var (
		body common.Encoder
		ids  idTable
	)
	body.U8(uint8(data.Protocol))
	body.VarInt(uint64(len(data.Sections)))
	for _, s := range data.Sections {
		body.VarInt(uint64(ids.ref(s.Meta.ID)))
		encodeType(&body, s.Meta.Type)
		body.U8(uint8(s.TxType))
		body.Bool(s.GenesisInfo != nil)
		if s.GenesisInfo != nil {
			encodeGenesis(&body, s.GenesisInfo)
		}
		body.U64(s.IntentionalBurn)
		body.Bool(s.Failed)
	}
	for _, list := range [][]*token.Token{data.Inputs, data.Outputs} {
		body.VarInt(uint64(len(list)))
		for _, t := range list {
			encodeToken(&body, &ids, t)
		}
	}
	status := make([]byte, len(data.InputStatus))
	for i, s := range data.InputStatus {
		status[i] = byte(s)
	}
	body.VarBytes(status)
	body.VarInt(uint64(len(data.Burns)))
	for _, burn := range data.Burns {
		body.VarInt(uint64(ids.ref(burn.Meta.ID)))
		encodeType(&body, burn.Meta.Type)
		body.U64(burn.Amount.Hi)
		body.U64(burn.Amount.Lo)
		body.Bool(burn.BurnsMintBaton)
		body.U64(burn.IntentionalBurn)
		body.Bool(burn.IsTotal)
		body.VarBytes([]byte(burn.Error))
	}
	body.Bool(data.GroupTokenID != nil)
	if data.GroupTokenID != nil {
		body.VarInt(uint64(ids.ref(*data.GroupTokenID)))
	}
	body.VarInt(uint64(len(data.Errors)))
	for _, msg := range data.Errors {
		body.VarBytes([]byte(msg))
	}
	bodyBytes, err := body.Bytes()
	if err != nil {
		return nil, err
	}

	var head common.Encoder
	head.VarInt(uint64(len(ids.ids)))
	for _, id := range ids.ids {
		num, ok, err := tr.TokenNum(id)
		if err != nil {
			return nil, err
		}
		head.Bool(ok)
		if ok {
			head.U32(num)
		} else {
			head.Raw(id[:])
		}
	}
	head.Raw(bodyBytes)
	return head.Bytes()
}

func (tr TokenReader) decodeTxData(v []byte) (*token.TxData, error) {
	d := common.NewDecoder(v)
	ids := make([]token.ID, d.Count())
	for i := range ids {
		if d.Bool() {
			meta, err := tr.Meta(d.U32())
			if err != nil {
				return nil, fmt.Errorf("resolve token num: %w", err)
			}
			ids[i] = meta.Meta.ID
		} else {
			copy(ids[i][:], d.Raw(32))
		}
	}
	var refErr error
	id := func() token.ID {
		i := d.VarInt()
		if i >= uint64(len(ids)) {
			if refErr == nil {
				refErr = fmt.Errorf("token id ref %d out of %d", i, len(ids))
			}
			return token.ID{}
		}
		return ids[i]
	}
	readToken := func() *token.Token {
		if d.U8() == 0 {
			return nil
		}
		t := &token.Token{Meta: token.Meta{ID: id(), Type: decodeType(d)}}
		t.Amount = d.U64()
		t.IsMintBaton = d.Bool()
		if d.Bool() {
			g := id()
			t.GroupTokenID = &g
		}
		return t
	}

	data := &token.TxData{Protocol: token.Protocol(d.U8())}
	if n := d.Count(); n > 0 {
		data.Sections = make([]token.Section, n)
	}
	for i := range data.Sections {
		s := &data.Sections[i]
		s.Meta = token.Meta{ID: id(), Type: decodeType(d)}
		s.TxType = token.TxType(d.U8())
		if d.Bool() {
			s.GenesisInfo = decodeGenesis(d)
		}
		s.IntentionalBurn = d.U64()
		s.Failed = d.Bool()
	}
	for _, list := range []*[]*token.Token{&data.Inputs, &data.Outputs} {
		if n := d.Count(); n > 0 {
			*list = make([]*token.Token, n)
		}
		for i := range *list {
			(*list)[i] = readToken()
		}
	}
	if status := d.VarBytes("input status"); status != nil {
		data.InputStatus = make([]token.InputStatus, len(status))
		for i, s := range status {
			data.InputStatus[i] = token.InputStatus(s)
		}
	}
	if n := d.Count(); n > 0 {
		data.Burns = make([]token.Burn, n)
	}
	for i := range data.Burns {
		b := &data.Burns[i]
		b.Meta = token.Meta{ID: id(), Type: decodeType(d)}
		hi, lo := d.U64(), d.U64()
		b.Amount = uint128.New(lo, hi)
		b.BurnsMintBaton = d.Bool()
		b.IntentionalBurn = d.U64()
		b.IsTotal = d.Bool()
		b.Error = string(d.VarBytes("burn error"))
	}
	if d.Bool() {
		g := id()
		data.GroupTokenID = &g
	}
	if n := d.Count(); n > 0 {
		data.Errors = make([]string, n)
	}
	for i := range data.Errors {
		data.Errors[i] = string(d.VarBytes("error"))
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode token tx data: %w", err)
	}
	if refErr != nil {
		return nil, refErr
	}
	return data, nil
}
