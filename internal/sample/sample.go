// Package sample holds the demonstration data shown by the dashboard pages
// until real accounts are connected.
package sample

import (
	"errors"
	"strings"

	"cashmanager/internal/core"
)

// Kind separates income from expenses.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Filter selects transactions by kind.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterIncome  Filter = "income"
	FilterExpense Filter = "expense"
)

var ErrInvalidFilter = errors.New("invalid transaction filter")

// ParseFilter converts untrusted input into a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterIncome, FilterExpense:
		return f, nil
	default:
		return "", ErrInvalidFilter
	}
}

type BalancePoint struct {
	Month   string
	Balance core.Money
}

type CategoryShare struct {
	Name   string
	Amount core.Money
	Color  string
}

type Transaction struct {
	ID          int
	Date        string
	Description string
	Category    string
	Amount      core.Money
	Kind        Kind
}

type Category struct {
	ID     int
	Name   string
	Color  string
	Budget core.Money
	Spent  core.Money
}

// Progress is the spent share of the budget in percent, capped at 100.
func (c Category) Progress() float64 {
	if c.Budget.Cents <= 0 {
		return 0
	}
	p := float64(c.Spent.Cents) / float64(c.Budget.Cents) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Remaining is the unspent budget, never negative.
func (c Category) Remaining() core.Money {
	r := c.Budget.Cents - c.Spent.Cents
	if r < 0 {
		r = 0
	}
	return core.Money{Cents: r}
}

type Report struct {
	ID   int
	Name string
	Date string
	Type string
}

type ReportStats struct {
	Total         int
	ThisMonth     int
	LastExportAgo int
}

type Dashboard struct {
	TotalBalance    core.Money
	BalanceChange   float64
	MonthlyIncome   core.Money
	MonthlyExpenses core.Money
	ExpensesChange  float64
	Balance         []BalancePoint
	Expenses        []CategoryShare
}

func money(units int64, cents int64) core.Money {
	return core.Money{Cents: units*100 + cents}
}

var balanceHistory = []BalancePoint{
	{"Jan", core.FromUnits(8500)},
	{"Feb", core.FromUnits(9200)},
	{"Mar", core.FromUnits(8800)},
	{"Apr", core.FromUnits(10200)},
	{"May", core.FromUnits(11000)},
	{"Jun", core.FromUnits(12450)},
}

var expenseShares = []CategoryShare{
	{"Groceries", core.FromUnits(450), "#3b82f6"},
	{"Transport", core.FromUnits(320), "#10b981"},
	{"Dining", core.FromUnits(280), "#f59e0b"},
	{"Shopping", core.FromUnits(220), "#ef4444"},
	{"Bills", core.FromUnits(180), "#8b5cf6"},
	{"Other", core.FromUnits(150), "#6b7280"},
}

var transactions = []Transaction{
	{1, "2024-06-15", "Starbucks Coffee", "Dining", money(25, 50), KindExpense},
	{2, "2024-06-14", "Salary", "Income", core.FromUnits(5000), KindIncome},
	{3, "2024-06-14", "Grocery Store", "Groceries", core.FromUnits(120), KindExpense},
	{4, "2024-06-13", "Uber Ride", "Transport", money(18, 50), KindExpense},
	{5, "2024-06-12", "Amazon Purchase", "Shopping", money(89, 99), KindExpense},
	{6, "2024-06-11", "Electricity Bill", "Bills", core.FromUnits(85), KindExpense},
}

var categories = []Category{
	{1, "Groceries", "#3b82f6", core.FromUnits(500), core.FromUnits(450)},
	{2, "Transport", "#10b981", core.FromUnits(400), core.FromUnits(320)},
	{3, "Dining", "#f59e0b", core.FromUnits(300), core.FromUnits(280)},
	{4, "Shopping", "#ef4444", core.FromUnits(250), core.FromUnits(220)},
	{5, "Bills", "#8b5cf6", core.FromUnits(200), core.FromUnits(180)},
}

var reports = []Report{
	{1, "Monthly Report - June 2024", "2024-06-30", "Monthly"},
	{2, "Quarterly Report - Q2 2024", "2024-06-30", "Quarterly"},
	{3, "Annual Report - 2024", "2024-12-31", "Annual"},
}

// topSpendingsCount is how many expense categories the dashboard ranks.
const topSpendingsCount = 5

func DashboardData() Dashboard {
	return Dashboard{
		TotalBalance:    core.FromUnits(12450),
		BalanceChange:   12.5,
		MonthlyIncome:   core.FromUnits(5000),
		MonthlyExpenses: core.FromUnits(3800),
		ExpensesChange:  -5.2,
		Balance:         append([]BalancePoint(nil), balanceHistory...),
		Expenses:        append([]CategoryShare(nil), expenseShares...),
	}
}

// TopSpendings returns the largest expense categories.
func (d Dashboard) TopSpendings() []CategoryShare {
	n := min(topSpendingsCount, len(d.Expenses))
	return d.Expenses[:n]
}

// Transactions returns the transactions whose description or category
// contains query, case-insensitively, and whose kind matches f.
func Transactions(query string, f Filter) []Transaction {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Transaction, 0, len(transactions))
	for _, t := range transactions {
		if f != FilterAll && f != "" && string(t.Kind) != string(f) {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(t.Description), q) &&
			!strings.Contains(strings.ToLower(t.Category), q) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func Categories() []Category {
	return append([]Category(nil), categories...)
}

func Reports() []Report {
	return append([]Report(nil), reports...)
}

func Stats() ReportStats {
	return ReportStats{Total: 12, ThisMonth: 3, LastExportAgo: 2}
}
