// internal/bot/console.go
package bot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/custody-bot/internal/events"
	"github.com/rovshanmuradov/custody-bot/internal/executor"
	"github.com/rovshanmuradov/custody-bot/internal/export"
	"github.com/rovshanmuradov/custody-bot/internal/position"
	"github.com/rovshanmuradov/custody-bot/internal/storage/models"
	"github.com/rovshanmuradov/custody-bot/internal/types"
)

const consoleUsage = `commands (prefix each line with your user id):
  /start                       create wallet
  /wallet                      balances and pending orders
  /set_target <x> [amount]     sell at x times the current price
  /buy_target <price> <sol>    buy when price drops to <price>
  /cancel_sell | /cancel_buy
  /buy <sol> | /sell [amount]  market orders
  /withdraw <sol> <address>
  /history [n] | /trades | /export [csv|json] | /fees`

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, invalid("%s is not a number: %q", name, raw)
	}
	return v, nil
}

func optDecimal(name string, args []string, i int) (decimal.Decimal, error) {
	if len(args) <= i {
		return decimal.Zero, nil
	}
	return parseDecimal(name, args[i])
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return invalid("usage: %s", usage)
	}
	return nil
}

// ParseCommand turns a chat-style line ("/set_target 2.0") into a command.
func ParseCommand(userID, line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, invalid("empty command")
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "/start":
		return CreateWalletCommand{UserID: userID}, nil
	case "/wallet", "/balance":
		return GetWalletInfoCommand{UserID: userID}, nil
	case "/set_target":
		if err := needArgs(args, 1, "/set_target <multiplier> [amount]"); err != nil {
			return nil, err
		}
		m, err := parseDecimal("multiplier", strings.TrimSuffix(strings.ToLower(args[0]), "x"))
		if err != nil {
			return nil, err
		}
		amount, err := optDecimal("amount", args, 1)
		if err != nil {
			return nil, err
		}
		return SetSellTargetCommand{UserID: userID, Multiplier: m, Amount: amount}, nil
	case "/buy_target":
		if err := needArgs(args, 2, "/buy_target <price> <sol>"); err != nil {
			return nil, err
		}
		price, err := parseDecimal("price", args[0])
		if err != nil {
			return nil, err
		}
		amount, err := parseDecimal("amount", args[1])
		if err != nil {
			return nil, err
		}
		return SetBuyTargetCommand{UserID: userID, Price: price, Amount: amount}, nil
	case "/cancel_sell":
		return CancelSellCommand{UserID: userID}, nil
	case "/cancel_buy":
		return CancelBuyCommand{UserID: userID}, nil
	case "/buy":
		if err := needArgs(args, 1, "/buy <sol>"); err != nil {
			return nil, err
		}
		amount, err := parseDecimal("amount", args[0])
		if err != nil {
			return nil, err
		}
		return ManualBuyCommand{UserID: userID, Amount: amount}, nil
	case "/sell":
		amount, err := optDecimal("amount", args, 0)
		if err != nil {
			return nil, err
		}
		return ManualSellCommand{UserID: userID, Amount: amount}, nil
	case "/withdraw":
		if err := needArgs(args, 2, "/withdraw <sol> <address>"); err != nil {
			return nil, err
		}
		amount, err := parseDecimal("amount", args[0])
		if err != nil {
			return nil, err
		}
		return WithdrawCommand{UserID: userID, Amount: amount, Recipient: args[1]}, nil
	case "/history":
		limit := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, invalid("limit is not a number: %q", args[0])
			}
			limit = n
		}
		return GetHistoryCommand{UserID: userID, Limit: limit}, nil
	case "/trades":
		return ActiveTradesCommand{UserID: userID}, nil
	case "/export":
		var format export.ExportFormat
		if len(args) > 0 {
			format = export.ExportFormat(strings.ToLower(args[0]))
		}
		return ExportHistoryCommand{UserID: userID, Format: format}, nil
	case "/fees":
		return TotalFeesCommand{UserID: userID}, nil
	default:
		return nil, invalid("unknown command %s", name)
	}
}

// FormatReply renders a command reply for the console.
func FormatReply(reply interface{}) string {
	switch r := reply.(type) {
	case nil:
		return "ok"
	case WalletInfo:
		var b strings.Builder
		if r.Created {
			b.WriteString("🆕 wallet created\n")
		}
		fmt.Fprintf(&b, "address: %s\nSOL: %s\ntoken: %s", r.Address, r.SOL, r.Token)
		for _, p := range r.Pending {
			fmt.Fprintf(&b, "\n  %s", p)
		}
		return b.String()
	case position.Position:
		return "🎯 " + r.String()
	case []position.Position:
		if len(r) == 0 {
			return "no pending orders"
		}
		lines := make([]string, len(r))
		for i, p := range r {
			lines[i] = p.String()
		}
		return strings.Join(lines, "\n")
	case executor.Result:
		return fmt.Sprintf("✅ %s %s @ %s SOL, fee %s, tx %s", r.Side, r.Amount, r.Price, r.Fee, r.TxID)
	case []models.TxRecord:
		if len(r) == 0 {
			return "no transactions yet"
		}
		lines := make([]string, len(r))
		for i, rec := range r {
			lines[i] = fmt.Sprintf("%s %-8s %s @ %s fee %s %s",
				rec.Timestamp.Format("2006-01-02 15:04"), rec.Side, rec.Amount, rec.Price, rec.Fee, rec.TxID)
		}
		return strings.Join(lines, "\n")
	case bool:
		if r {
			return "cancelled"
		}
		return "nothing to cancel"
	case decimal.Decimal:
		return "total fees: " + r.String() + " SOL"
	case string:
		return r
	default:
		return fmt.Sprintf("%v", r)
	}
}

// FormatEvent renders a notification.
func FormatEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.OrderFilled:
		return fmt.Sprintf("[%s] ✅ %s filled (%s): %s @ %s SOL, fee %s, tx %s",
			e.User(), e.Side, e.Source, e.Amount, e.Price, e.Fee, e.TxID)
	case events.OrderFailed:
		return fmt.Sprintf("[%s] ❌ %s failed (%s): %s", e.User(), e.Side, e.Source, e.Reason)
	case events.WalletCreated:
		return fmt.Sprintf("[%s] 🔐 wallet created: %s", e.User(), e.Address)
	case events.BalanceReport:
		return fmt.Sprintf("[%s] 💰 %s SOL, %s token", e.User(), e.SOL, e.Token)
	case events.TargetSet:
		return fmt.Sprintf("[%s] 🎯 %s armed at %s", e.User(), e.Side, e.TriggerPrice)
	case events.TargetCancelled:
		return fmt.Sprintf("[%s] 🚫 %s cancelled", e.User(), e.Side)
	default:
		return fmt.Sprintf("[%s] %s", ev.User(), ev.Type())
	}
}

// Console is a line-based command intake: "<user_id> /command args".
// Replies and notifications go to out.
type Console struct {
	service *Service
	out     io.Writer
	mu      sync.Mutex
	logger  *zap.Logger
}

func NewConsole(service *Service, out io.Writer, logger *zap.Logger) *Console {
	return &Console{service: service, out: out, logger: logger.Named("console")}
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Notify is an events.Handler printing every notification.
func (c *Console) Notify(_ context.Context, ev events.Event) error {
	c.println(FormatEvent(ev))
	return nil
}

// Handle executes one input line and returns the printed reply.
func (c *Console) Handle(ctx context.Context, line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	userID, rest, _ := strings.Cut(line, " ")
	if rest == "" || userID == "/help" {
		return consoleUsage
	}
	cmd, err := ParseCommand(userID, rest)
	if err != nil {
		return "⚠️ " + types.Reason(err)
	}
	reply, err := c.service.Send(ctx, cmd)
	if err != nil {
		return "⚠️ " + types.Reason(err)
	}
	return FormatReply(reply)
}

// Run reads lines until in is exhausted or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if reply := c.Handle(ctx, line); reply != "" {
				c.println(reply)
			}
		}
	}
}
