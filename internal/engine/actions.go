package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"tradingbus/internal/api"
	"tradingbus/internal/config"
	"tradingbus/internal/exchange"
	"tradingbus/internal/frame"
	"tradingbus/internal/logging"
	"tradingbus/internal/strategy"
	"tradingbus/pkg/types"
)

// actionRequest is the envelope every JSON query carries.
type actionRequest struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId"`
}

// actionReply is the envelope every JSON query reply carries.
type actionReply struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func okReply(reqID string, data any) actionReply {
	return actionReply{Success: true, Data: data, RequestID: reqID}
}

func errReply(reqID, message string) actionReply {
	return actionReply{Success: false, Message: message, RequestID: reqID}
}

// handleQuery answers a JSON query over IPC's query channel. An empty or
// unparseable action falls back to the full dashboard snapshot, the
// behavior a bare query used to always return; a recognized action is
// routed to the matching handler in the command catalog below.
func (e *Engine) handleQuery(raw []byte) ([]byte, error) {
	var req actionRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Action == "" {
		snap := api.BuildSnapshot(e, e.cfg)
		return json.Marshal(snap)
	}

	reply := e.dispatchAction(req)
	return json.Marshal(reply)
}

// HandleQuery exposes the same request/reply action dispatch used on the
// IPC query channel to the dashboard's HTTP surface (see
// api.Handlers.HandleAction), so a browser client can drive
// register_account, start_strategy, place_order, and the rest of the
// catalog without a NATS client.
func (e *Engine) HandleQuery(raw []byte) ([]byte, error) {
	return e.handleQuery(raw)
}

func (e *Engine) dispatchAction(req actionRequest) actionReply {
	switch req.Action {
	case "register_account":
		return e.actionRegisterAccount(req)
	case "unregister_account":
		return e.actionUnregisterAccount(req)
	case "list_accounts":
		return e.actionListAccounts(req)
	case "reset_account":
		return e.actionResetAccount(req)
	case "start_strategy":
		return e.actionStartStrategy(req)
	case "stop_strategy":
		return e.actionStopStrategy(req)
	case "place_order":
		return e.actionPlaceOrder(req)
	case "cancel_order":
		return e.actionCancelOrder(req)
	case "close_position":
		return e.actionClosePosition(req)
	case "get_risk_status":
		return e.actionGetRiskStatus(req)
	case "deactivate_kill_switch":
		e.riskMgr.DeactivateKillSwitch()
		e.auditLogger.Info("kill switch deactivated", "via", "query action", "request_id", req.RequestID)
		return okReply(req.RequestID, nil)
	case "get_logs":
		return e.actionGetLogs(req)
	case "get_log_dates":
		return e.actionGetLogDates(req)
	case "set_log_config":
		return e.actionSetLogConfig(req)
	case "frontend_log":
		return e.actionFrontendLog(req)
	case "get_config":
		return okReply(req.RequestID, api.NewConfigSummary(e.cfg))
	case "update_config":
		return e.actionUpdateConfig(req)
	default:
		return errReply(req.RequestID, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// --- accounts ---------------------------------------------------------

type registerAccountParams struct {
	Exchange   string `json:"exchange"`
	ApiKey     string `json:"api_key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
	IsTestnet  bool   `json:"is_testnet"`
}

// actionRegisterAccount authenticates and stores a new account against an
// already-configured exchange. It never interns a new exchange name at
// runtime — internal/intern.Table is explicitly not safe for concurrent
// writes once worker goroutines are reading it, so this only attaches
// credentials to a venue already registered at startup.
//
// A registered account's orders still submit through that exchange's
// existing exchange.Client: swapping a live Client's credentials would
// require synchronizing internal/oems.Worker's own unsynchronized copy of
// the engine's exchange-client map, which isn't wired up. The account is
// fully usable for its own private user-data feed (spawned here) and is
// reported by list_accounts/get_accounts; REST order submission authority
// remains the exchange's statically-configured credentials until that
// synchronization is built.
func (e *Engine) actionRegisterAccount(req actionRequest) actionReply {
	var p registerAccountParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "register_account: invalid params: "+err.Error())
	}
	if p.Exchange == "" {
		return errReply(req.RequestID, "register_account: exchange is required")
	}
	exID, ok := e.exchanges.ID(p.Exchange)
	if !ok {
		return errReply(req.RequestID, fmt.Sprintf("register_account: exchange %q is not configured", p.Exchange))
	}

	var exCfg config.ExchangeConfig
	for _, ex := range e.cfg.Exchanges {
		if ex.Name == p.Exchange {
			exCfg = ex
			break
		}
	}

	e.accountsMu.Lock()
	accountID := e.nextAccountID
	e.nextAccountID++
	accCfg := config.AccountConfig{
		ID: accountID, Exchange: p.Exchange,
		ApiKey: p.ApiKey, Secret: p.Secret, Passphrase: p.Passphrase,
		IsTestnet: p.IsTestnet,
	}
	auth, err := exchange.NewAuth(accCfg)
	if err != nil {
		e.accountsMu.Unlock()
		return errReply(req.RequestID, "register_account: "+err.Error())
	}
	e.auths[accountID] = auth
	e.dynamicAccounts[accountID] = accCfg
	e.accountsMu.Unlock()

	if exCfg.WSUserURL != "" {
		feed := exchange.NewUserFeed(exCfg.WSUserURL, auth, exCfg.ReconnectMin, exCfg.ReconnectMax, e.logger)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.oemsWorker.RunUserFeed(e.ctx, feed, exID); err != nil && e.ctx.Err() == nil {
				e.logger.Error("dynamically registered user feed stopped", "error", err, "account_id", accountID)
			}
		}()
	}

	e.auditLogger.Info("account registered", "account_id", accountID, "exchange", p.Exchange, "is_testnet", p.IsTestnet, "request_id", req.RequestID)
	return okReply(req.RequestID, map[string]any{"account_id": accountID})
}

type accountIDParams struct {
	AccountID uint32 `json:"account_id"`
}

func (e *Engine) actionUnregisterAccount(req actionRequest) actionReply {
	var p accountIDParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "unregister_account: invalid params: "+err.Error())
	}

	e.accountsMu.Lock()
	_, wasDynamic := e.dynamicAccounts[p.AccountID]
	delete(e.dynamicAccounts, p.AccountID)
	delete(e.auths, p.AccountID)
	e.accountsMu.Unlock()

	if !wasDynamic {
		return errReply(req.RequestID, fmt.Sprintf("unregister_account: account %d was not dynamically registered", p.AccountID))
	}
	e.auditLogger.Info("account unregistered", "account_id", p.AccountID, "request_id", req.RequestID)
	return okReply(req.RequestID, nil)
}

func (e *Engine) actionListAccounts(req actionRequest) actionReply {
	return okReply(req.RequestID, e.GetAccounts())
}

// actionResetAccount clears every configured symbol's local position to
// flat for the given account's exchange and persists the reset, without
// touching the venue's actual balances — an operator recovery tool for
// when the local inventory view has drifted from a manually-corrected
// position on the exchange.
func (e *Engine) actionResetAccount(req actionRequest) actionReply {
	var p accountIDParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "reset_account: invalid params: "+err.Error())
	}

	exchangeName := ""
	for _, acc := range e.cfg.Accounts {
		if acc.ID == p.AccountID {
			exchangeName = acc.Exchange
		}
	}
	if exchangeName == "" {
		e.accountsMu.Lock()
		if acc, ok := e.dynamicAccounts[p.AccountID]; ok {
			exchangeName = acc.Exchange
		}
		e.accountsMu.Unlock()
	}
	if exchangeName == "" {
		return errReply(req.RequestID, fmt.Sprintf("reset_account: unknown account %d", p.AccountID))
	}

	reset := 0
	for _, rt := range e.symbolRTs {
		if rt.cfg.Exchange != exchangeName {
			continue
		}
		rt.inventory.SetPosition(strategy.Position{LastUpdated: time.Now()})
		if err := e.store.SavePosition(rt.cfg.Name, rt.inventory.Snapshot()); err != nil {
			e.logger.Error("reset_account: failed to persist cleared position", "symbol", rt.cfg.Name, "error", err)
		}
		reset++
	}

	e.auditLogger.Info("account reset", "account_id", p.AccountID, "symbols_reset", reset, "request_id", req.RequestID)
	return okReply(req.RequestID, map[string]any{"symbols_reset": reset})
}

// --- strategies ---------------------------------------------------------

type strategyIDParams struct {
	ID string `json:"id"`
}

// resolveStrategy maps the "id" an external caller names to one of this
// engine's Makers. A Maker's strategy id is its symbol id (internal/engine
// assigns one Maker per symbol), so id is the symbol name.
func (e *Engine) resolveStrategy(id string) (*strategy.Maker, error) {
	symID, ok := e.symbols.ID(id)
	if !ok {
		return nil, fmt.Errorf("unknown strategy/symbol id %q", id)
	}
	maker, ok := e.stratByID[uint32(symID)]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for %q", id)
	}
	return maker, nil
}

func (e *Engine) actionStartStrategy(req actionRequest) actionReply {
	var p strategyIDParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "start_strategy: invalid params: "+err.Error())
	}
	maker, err := e.resolveStrategy(p.ID)
	if err != nil {
		return errReply(req.RequestID, "start_strategy: "+err.Error())
	}
	maker.Start()
	e.auditLogger.Info("strategy started", "id", p.ID, "via", "query action", "request_id", req.RequestID)
	return okReply(req.RequestID, nil)
}

func (e *Engine) actionStopStrategy(req actionRequest) actionReply {
	var p strategyIDParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "stop_strategy: invalid params: "+err.Error())
	}
	maker, err := e.resolveStrategy(p.ID)
	if err != nil {
		return errReply(req.RequestID, "stop_strategy: "+err.Error())
	}
	maker.Stop()
	e.auditLogger.Info("strategy stopped", "id", p.ID, "via", "query action", "request_id", req.RequestID)
	return okReply(req.RequestID, nil)
}

// --- orders ---------------------------------------------------------

type placeOrderParams struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Type   string  `json:"type"`
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
}

func (e *Engine) actionPlaceOrder(req actionRequest) actionReply {
	var p placeOrderParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "place_order: invalid params: "+err.Error())
	}
	rt, ok := e.symbolRTs[p.Symbol]
	if !ok {
		return errReply(req.RequestID, fmt.Sprintf("place_order: unknown symbol %q", p.Symbol))
	}
	symID := e.symbols.MustID(p.Symbol)
	exID := e.exchanges.MustID(rt.cfg.Exchange)

	side := frame.SideBuy
	if p.Side == string(types.SELL) {
		side = frame.SideSell
	}
	ordType := frame.OrderTypeLimit
	if p.Type == string(types.OrderTypeIOC) {
		ordType = frame.OrderTypeMarket
	}

	localID := uint64(time.Now().UnixNano())
	order := frame.OrderRequest{
		TS: time.Now().UnixNano(), LocalOrderID: localID, ExchangeID: exID, SymbolID: symID,
		Side: side, OrdType: ordType, Price: p.Price, Quantity: p.Qty,
	}
	if err := e.orderQueue.TryPush(order); err != nil {
		return errReply(req.RequestID, "place_order: "+err.Error())
	}
	e.auditLogger.Info("order placed via query action", "symbol", p.Symbol, "side", p.Side, "price", p.Price, "qty", p.Qty, "request_id", req.RequestID)
	return okReply(req.RequestID, map[string]any{"local_order_id": localID})
}

type cancelOrderParams struct {
	OrderID uint64 `json:"order_id"`
}

func (e *Engine) actionCancelOrder(req actionRequest) actionReply {
	var p cancelOrderParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "cancel_order: invalid params: "+err.Error())
	}
	for _, s := range e.oemsWorker.Snapshot() {
		if s.LocalOrderID != p.OrderID {
			continue
		}
		if s.Status.Terminal() {
			return actionReply{Success: true, Message: "order already in terminal state", RequestID: req.RequestID}
		}
		err := e.orderQueue.TryPush(frame.OrderRequest{
			TS: time.Now().UnixNano(), LocalOrderID: p.OrderID,
			ExchangeID: s.ExchangeID, SymbolID: s.SymbolID, Quantity: 0,
		})
		if err != nil {
			return errReply(req.RequestID, "cancel_order: "+err.Error())
		}
		e.auditLogger.Info("cancel requested via query action", "order_id", p.OrderID, "request_id", req.RequestID)
		return okReply(req.RequestID, nil)
	}
	return errReply(req.RequestID, fmt.Sprintf("cancel_order: unknown order %d", p.OrderID))
}

type closePositionParams struct {
	Symbol string `json:"symbol"`
}

// actionClosePosition flattens an open position with an opposing market
// order sized to the current quantity.
func (e *Engine) actionClosePosition(req actionRequest) actionReply {
	var p closePositionParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "close_position: invalid params: "+err.Error())
	}
	rt, ok := e.symbolRTs[p.Symbol]
	if !ok {
		return errReply(req.RequestID, fmt.Sprintf("close_position: unknown symbol %q", p.Symbol))
	}
	pos := rt.inventory.Snapshot()
	if pos.Quantity == 0 {
		return actionReply{Success: true, Message: "position already flat", RequestID: req.RequestID}
	}

	side := frame.SideSell
	if pos.Quantity < 0 {
		side = frame.SideBuy
	}
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}

	symID := e.symbols.MustID(p.Symbol)
	exID := e.exchanges.MustID(rt.cfg.Exchange)
	localID := uint64(time.Now().UnixNano())
	order := frame.OrderRequest{
		TS: time.Now().UnixNano(), LocalOrderID: localID, ExchangeID: exID, SymbolID: symID,
		Side: side, OrdType: frame.OrderTypeMarket, Quantity: qty,
	}
	if err := e.orderQueue.TryPush(order); err != nil {
		return errReply(req.RequestID, "close_position: "+err.Error())
	}
	e.auditLogger.Info("close_position requested", "symbol", p.Symbol, "qty", qty, "request_id", req.RequestID)
	return okReply(req.RequestID, map[string]any{"local_order_id": localID})
}

// --- risk/config ---------------------------------------------------------

func (e *Engine) actionGetRiskStatus(req actionRequest) actionReply {
	snap := e.riskMgr.GetRiskSnapshot()
	perStrategy := make(map[string]api.StrategyStatus, len(e.symbolRTs))
	for name, rt := range e.symbolRTs {
		perStrategy[name] = rt.maker.Status()
	}
	data := map[string]any{
		"kill_switch":        snap.KillSwitchActive,
		"open_orders":        e.oemsWorker.OpenOrders(),
		"daily_pnl":          snap.TotalRealizedPnL + snap.TotalUnrealizedPnL,
		"total_exposure":     snap.TotalExposure,
		"per_strategy_stats": perStrategy,
	}
	return okReply(req.RequestID, data)
}

type updateConfigParams struct {
	MaxDrawdownPct *float64 `json:"max_drawdown_pct"`
	MaxOpenOrders  *int     `json:"max_open_orders"`
	MaxExposure    *float64 `json:"max_exposure"`
	LogLevel       *string  `json:"log_level"`
}

// actionUpdateConfig only ever touches risk thresholds and log level at
// runtime; everything else (exchange endpoints, symbol list, IPC
// transport, ...) requires a restart.
func (e *Engine) actionUpdateConfig(req actionRequest) actionReply {
	var p updateConfigParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "update_config: invalid params: "+err.Error())
	}

	changed := map[string]any{}
	if p.MaxDrawdownPct != nil {
		e.riskMgr.UpdateLimits(p.MaxDrawdownPct, nil, nil)
		changed["max_drawdown_pct"] = *p.MaxDrawdownPct
	}
	if p.MaxOpenOrders != nil {
		e.riskMgr.UpdateLimits(nil, p.MaxOpenOrders, nil)
		changed["max_open_orders"] = *p.MaxOpenOrders
	}
	if p.MaxExposure != nil {
		e.riskMgr.UpdateLimits(nil, nil, p.MaxExposure)
		changed["max_exposure"] = *p.MaxExposure
	}
	if p.LogLevel != nil {
		if e.logLevel != nil {
			e.logLevel.Set(logging.ParseLevel(*p.LogLevel))
		}
		changed["log_level"] = *p.LogLevel
	}

	e.auditLogger.Info("config updated", "changes", changed, "request_id", req.RequestID)
	return okReply(req.RequestID, changed)
}

// --- logs ---------------------------------------------------------

type getLogsParams struct {
	Date   string `json:"date"`
	Source string `json:"source"`
	Level  string `json:"level"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (e *Engine) actionGetLogs(req actionRequest) actionReply {
	var p getLogsParams
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return errReply(req.RequestID, "get_logs: invalid params: "+err.Error())
		}
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	return okReply(req.RequestID, e.readLogs(p.Source, p.Level, p.Limit, p.Offset))
}

// readLogs tails the audit log — currently the only rotated stream wired
// to the IPC query actions (the per-order journal lives in the mmap'd
// journal, not a text log, and has no tailer of its own). source, if
// non-empty, must match "audit" or the result is empty, since there is
// only the one stream.
func (e *Engine) readLogs(source, level string, limit, offset int) []api.LogLine {
	entries, err := logging.ReadRecent(e.cfg.Logging.Dir, "audit.log", level, source, limit, offset)
	if err != nil {
		e.logger.Error("get_logs: failed to tail audit log", "error", err)
		return nil
	}
	out := make([]api.LogLine, 0, len(entries))
	for _, ent := range entries {
		out = append(out, api.LogLine{Timestamp: ent.Timestamp, Level: ent.Level, Message: ent.Message, Source: ent.Source})
	}
	return out
}

func (e *Engine) actionGetLogDates(req actionRequest) actionReply {
	dates, err := logging.ListDates(e.cfg.Logging.Dir, "audit.log")
	if err != nil {
		return errReply(req.RequestID, "get_log_dates: "+err.Error())
	}
	return okReply(req.RequestID, dates)
}

type setLogConfigParams struct {
	Level string `json:"level"`
}

func (e *Engine) actionSetLogConfig(req actionRequest) actionReply {
	var p setLogConfigParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "set_log_config: invalid params: "+err.Error())
	}
	if e.logLevel != nil {
		e.logLevel.Set(logging.ParseLevel(p.Level))
	}
	e.auditLogger.Info("log level changed", "level", p.Level, "request_id", req.RequestID)
	return okReply(req.RequestID, map[string]any{"level": p.Level})
}

type frontendLogParams struct {
	Level   string          `json:"level"`
	Source  string          `json:"source"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *Engine) actionFrontendLog(req actionRequest) actionReply {
	var p frontendLogParams
	if err := json.Unmarshal(req.Data, &p); err != nil {
		return errReply(req.RequestID, "frontend_log: invalid params: "+err.Error())
	}
	e.auditLogger.Info(p.Message, "source", p.Source, "level", p.Level, "frontend_data", string(p.Data))
	return okReply(req.RequestID, nil)
}
