package sample

import "cashmanager/internal/core"

// The view types carry both the raw amount and its display string in the
// selected currency.

type AmountView struct {
	Value     float64 `json:"value"`
	Formatted string  `json:"formatted"`
}

func amount(m core.Money, c core.Currency) AmountView {
	return AmountView{Value: float64(m.Cents) / 100, Formatted: core.FormatCurrency(m, c)}
}

type BalancePointView struct {
	Month   string     `json:"month"`
	Balance AmountView `json:"balance"`
}

type CategoryShareView struct {
	Name   string     `json:"name"`
	Amount AmountView `json:"amount"`
	Color  string     `json:"color"`
}

type DashboardView struct {
	Currency        core.Currency       `json:"currency"`
	TotalBalance    AmountView          `json:"totalBalance"`
	BalanceChange   float64             `json:"balanceChange"`
	MonthlyIncome   AmountView          `json:"monthlyIncome"`
	MonthlyExpenses AmountView          `json:"monthlyExpenses"`
	ExpensesChange  float64             `json:"expensesChange"`
	Balance         []BalancePointView  `json:"balance"`
	Expenses        []CategoryShareView `json:"expenses"`
	TopSpendings    []CategoryShareView `json:"topSpendings"`
}

func (d Dashboard) View(c core.Currency) DashboardView {
	v := DashboardView{
		Currency:        c,
		TotalBalance:    amount(d.TotalBalance, c),
		BalanceChange:   d.BalanceChange,
		MonthlyIncome:   amount(d.MonthlyIncome, c),
		MonthlyExpenses: amount(d.MonthlyExpenses, c),
		ExpensesChange:  d.ExpensesChange,
		Balance:         make([]BalancePointView, 0, len(d.Balance)),
	}
	for _, p := range d.Balance {
		v.Balance = append(v.Balance, BalancePointView{Month: p.Month, Balance: amount(p.Balance, c)})
	}
	v.Expenses = shareViews(d.Expenses, c)
	v.TopSpendings = shareViews(d.TopSpendings(), c)
	return v
}

func shareViews(in []CategoryShare, c core.Currency) []CategoryShareView {
	out := make([]CategoryShareView, 0, len(in))
	for _, s := range in {
		out = append(out, CategoryShareView{Name: s.Name, Amount: amount(s.Amount, c), Color: s.Color})
	}
	return out
}

type TransactionView struct {
	ID          int    `json:"id"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Kind        Kind   `json:"type"`
	// Amount is signed: negative for expenses.
	Amount    float64 `json:"amount"`
	Formatted string  `json:"formatted"`
}

func (t Transaction) View(c core.Currency) TransactionView {
	signed := float64(t.Amount.Cents) / 100
	if t.Kind == KindExpense {
		signed = -signed
	}
	return TransactionView{
		ID:          t.ID,
		Date:        t.Date,
		Description: t.Description,
		Category:    t.Category,
		Kind:        t.Kind,
		Amount:      signed,
		Formatted:   core.FormatCurrencyWithSign(t.Amount, c, t.Kind == KindIncome),
	}
}

func TransactionViews(in []Transaction, c core.Currency) []TransactionView {
	out := make([]TransactionView, 0, len(in))
	for _, t := range in {
		out = append(out, t.View(c))
	}
	return out
}

type CategoryView struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Budget    AmountView `json:"budget"`
	Spent     AmountView `json:"spent"`
	Remaining AmountView `json:"remaining"`
	Progress  float64    `json:"progress"`
}

func CategoryViews(in []Category, c core.Currency) []CategoryView {
	out := make([]CategoryView, 0, len(in))
	for _, cat := range in {
		out = append(out, CategoryView{
			ID:        cat.ID,
			Name:      cat.Name,
			Color:     cat.Color,
			Budget:    amount(cat.Budget, c),
			Spent:     amount(cat.Spent, c),
			Remaining: amount(cat.Remaining(), c),
			Progress:  cat.Progress(),
		})
	}
	return out
}

type ReportView struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Date string `json:"date"`
	Type string `json:"type"`
}

type ReportsView struct {
	Reports       []ReportView `json:"reports"`
	Total         int          `json:"totalReports"`
	ThisMonth     int          `json:"thisMonth"`
	LastExportAgo int          `json:"lastExportDaysAgo"`
}

func ReportsData() ReportsView {
	stats := Stats()
	v := ReportsView{
		Reports:       make([]ReportView, 0, len(reports)),
		Total:         stats.Total,
		ThisMonth:     stats.ThisMonth,
		LastExportAgo: stats.LastExportAgo,
	}
	for _, r := range Reports() {
		v.Reports = append(v.Reports, ReportView(r))
	}
	return v
}
