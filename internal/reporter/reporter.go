package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 汇总成交日志中的已实现结果
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	AvgProfitLoss float64
	RealizedPnL   float64
	TotalFees     float64
	Blocked       int
	Failed        int
}

// CalculateMetrics 只把平仓成交计入胜负; 开仓成交只贡献手续费
func CalculateMetrics(trades []models.TradeRecord) Metrics {
	var m Metrics
	var totalProfit, totalLoss float64
	for _, tr := range trades {
		switch tr.Outcome {
		case models.OutcomeBlocked:
			m.Blocked++
			continue
		case models.OutcomeFailed, models.OutcomeRejected:
			m.Failed++
			continue
		case models.OutcomeFilled:
		default:
			continue
		}
		m.TotalFees += tr.Fee
		m.RealizedPnL += tr.RealizedPnL
		if tr.PositionSide == "" || tr.Side != tr.PositionSide.CloseSide() {
			continue
		}
		m.TotalTrades++
		if tr.RealizedPnL > 0 {
			m.WinningTrades++
			totalProfit += tr.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += tr.RealizedPnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	return m
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

// RenderGroups 输出每个交易对的对冲组
func RenderGroups(w io.Writer, groups map[string]*models.HedgeGroup) {
	t := newTable(w, "对冲组")
	t.AppendHeader(table.Row{"交易对", "状态", "角色", "方向", "数量", "开仓价", "杠杆", "挂起"})

	symbols := make([]string, 0, len(groups))
	for s := range groups {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, s := range symbols {
		g := groups[s]
		pending := "-"
		if g.Pending != nil {
			pending = fmt.Sprintf("%s/%s x%d", g.Pending.Kind, g.Pending.Status, g.Pending.Attempts)
		}
		positions := g.Positions()
		if len(positions) == 0 {
			t.AppendRow(table.Row{s, g.State().String(), "-", "-", "-", "-", "-", pending})
			continue
		}
		for _, p := range positions {
			t.AppendRow(table.Row{s, g.State().String(), p.Role, p.Side,
				fmt.Sprintf("%.6f", p.Size), fmt.Sprintf("%.4f", p.EntryPrice), p.Leverage, pending})
		}
	}
	t.Render()
}

// RenderDecisions 输出最近的风控决策, 最新的在前
func RenderDecisions(w io.Writer, decisions []models.RiskDecision, limit int) {
	t := newTable(w, "风控决策")
	t.AppendHeader(table.Row{"时间", "交易对", "周期", "模式", "结果"})
	for i := len(decisions) - 1; i >= 0 && (limit <= 0 || len(decisions)-i <= limit); i-- {
		d := decisions[i]
		result := "allowed"
		if d.Blocked() {
			reasons := make([]string, len(d.Reasons))
			for j, r := range d.Reasons {
				reasons[j] = string(r)
			}
			result = "blocked: " + strings.Join(reasons, ", ")
		}
		t.AppendRow(table.Row{d.EvaluatedAt.Format(time.DateTime), d.Symbol, d.Timeframe, d.Mode, result})
	}
	t.Render()
}

// RenderAlerts 输出告警, 最新的在前
func RenderAlerts(w io.Writer, alerts []models.Alert, limit int) {
	t := newTable(w, "告警")
	t.AppendHeader(table.Row{"时间", "级别", "交易对", "内容"})
	for i := len(alerts) - 1; i >= 0 && (limit <= 0 || len(alerts)-i <= limit); i-- {
		a := alerts[i]
		t.AppendRow(table.Row{a.CreatedAt.Format(time.DateTime), a.Level, a.Symbol, a.Message})
	}
	t.Render()
}

// RenderTrades 输出成交日志, 顺序与传入一致
func RenderTrades(w io.Writer, trades []models.TradeRecord) {
	t := newTable(w, "成交日志")
	t.AppendHeader(table.Row{"时间", "交易对", "周期", "转换", "结果", "方向", "数量", "价格", "已实现盈亏", "原因"})
	for _, tr := range trades {
		side := "-"
		if tr.Side != "" {
			side = fmt.Sprintf("%s %s", tr.Side, tr.PositionSide)
		}
		t.AppendRow(table.Row{
			tr.CreatedAt.Format(time.DateTime), tr.Symbol, tr.Timeframe, tr.Transition, tr.Outcome, side,
			fmt.Sprintf("%.6f", tr.Quantity), fmt.Sprintf("%.4f", tr.Price), fmt.Sprintf("%.4f", tr.RealizedPnL), tr.Reason,
		})
	}
	t.Render()
}

// RenderMetrics 输出汇总指标
func RenderMetrics(w io.Writer, m Metrics) {
	t := newTable(w, "汇总")
	t.AppendRows([]table.Row{
		{"平仓次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"已实现盈亏 (含手续费)", fmt.Sprintf("%.4f USDT", m.RealizedPnL)},
		{"手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
		{"被拦截", m.Blocked},
		{"失败/拒绝", m.Failed},
	})
	t.Render()
}

// Report 输出完整仪表盘
func Report(w io.Writer, state *models.DashboardState, trades []models.TradeRecord) {
	if state != nil {
		RenderGroups(w, state.Groups)
		RenderDecisions(w, state.Decisions, 20)
		RenderAlerts(w, state.Alerts, 20)
	}
	RenderTrades(w, trades)
	RenderMetrics(w, CalculateMetrics(trades))
}
