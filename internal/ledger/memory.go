package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
)

// ErrTransport имитирует обрыв связи со шлюзом.
var ErrTransport = errors.New("ledger: шлюз недоступен")

type escrowAccount struct {
	balance valueobject.Amount
	// frozen - число открытых споров по задаче.
	frozen    int
	completed bool
}

// MemoryLedger - реестр в памяти для разработки и тестов.
// Вызов проходит через то же кодирование аргументов, что и HTTP-шлюз.
type MemoryLedger struct {
	mu         sync.Mutex
	receipts   map[string]Receipt
	accounts   map[string]*escrowAccount
	payouts    map[string]valueobject.Amount
	executions map[string]int
	failNext   int
	pendNext   int
	calls      int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		receipts:   make(map[string]Receipt),
		accounts:   make(map[string]*escrowAccount),
		payouts:    make(map[string]valueobject.Amount),
		executions: make(map[string]int),
	}
}

// FailNext заставляет следующие n вызовов Submit вернуть ошибку транспорта.
func (m *MemoryLedger) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// PendNext заставляет следующие n вызовов исполниться, но ответить статусом pending.
func (m *MemoryLedger) PendNext(n int) {
	m.mu.Lock()
	m.pendNext = n
	m.mu.Unlock()
}

func (m *MemoryLedger) Submit(ctx context.Context, call Call) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	params, err := call.Params()
	if err != nil {
		return Receipt{}, err
	}
	decoded, err := DecodeCall(call.Key, call.Method, params)
	if err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.failNext > 0 {
		m.failNext--
		return Receipt{}, ErrTransport
	}
	if r, ok := m.receipts[call.Key]; ok && r.Status != StatusFailed {
		return r, nil
	}

	r := m.apply(decoded)
	if r.Status == StatusConfirmed {
		m.executions[call.Key]++
	}
	m.receipts[call.Key] = r
	if m.pendNext > 0 && r.Status == StatusConfirmed {
		m.pendNext--
		return Receipt{Key: r.Key, Status: StatusPending}, nil
	}
	return r, nil
}

func (m *MemoryLedger) Lookup(ctx context.Context, key string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[key]
	if !ok {
		return Receipt{}, ErrUnknownOperation
	}
	return r, nil
}

func (m *MemoryLedger) apply(c Call) Receipt {
	fail := func(msg string) Receipt {
		return Receipt{Key: c.Key, Status: StatusFailed, Error: msg}
	}
	acc := m.accounts[c.TaskRef]

	switch c.Method {
	case MethodFund:
		if acc != nil {
			return fail("задача уже профинансирована")
		}
		m.accounts[c.TaskRef] = &escrowAccount{balance: c.Amount}
	case MethodRelease, MethodResolveDispute:
		if acc == nil || acc.completed {
			return fail("эскроу не найден")
		}
		if c.Method == MethodRelease && acc.frozen > 0 {
			return fail("средства заморожены спором")
		}
		if c.Amount > acc.balance {
			return fail("недостаточно средств в эскроу")
		}
		acc.balance -= c.Amount
		m.payouts[c.Recipient] += c.Amount
		if c.Method == MethodResolveDispute && acc.frozen > 0 {
			acc.frozen--
		}
	case MethodComplete:
		if acc == nil || acc.completed {
			return fail("эскроу не найден")
		}
		acc.balance = 0
		acc.completed = true
	case MethodRaiseDispute:
		if acc == nil || acc.completed {
			return fail("эскроу не найден")
		}
		acc.frozen++
	}
	return Receipt{Key: c.Key, TxRef: "mem-" + uuid.NewString(), Status: StatusConfirmed}
}

// Balance возвращает остаток эскроу задачи.
func (m *MemoryLedger) Balance(taskRef string) valueobject.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[taskRef]; ok {
		return acc.balance
	}
	return 0
}

// PaidTo возвращает сумму всех выплат получателю.
func (m *MemoryLedger) PaidTo(recipient string) valueobject.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payouts[recipient]
}

// Executions - сколько раз операция с ключом реально исполнилась.
func (m *MemoryLedger) Executions(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executions[key]
}

// Calls - общее число обращений к Submit.
func (m *MemoryLedger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryLedger) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MemoryLedger{accounts=%d receipts=%d}", len(m.accounts), len(m.receipts))
}
