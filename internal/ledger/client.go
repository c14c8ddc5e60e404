// Package ledger связывает процесс с внешним контрактом эскроу.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
)

type Method string

const (
	MethodFund           Method = "fund"
	MethodRelease        Method = "release"
	MethodComplete       Method = "complete"
	MethodRaiseDispute   Method = "raise_dispute"
	MethodResolveDispute Method = "resolve_dispute"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// ErrUnknownOperation - реестр не видел операции с таким ключом.
var ErrUnknownOperation = errors.New("ledger: операция не найдена")

// Key - детерминированный ключ идемпотентности: задача, подзадача, эпоха захвата,
// метод и порядковый номер получателя внутри одного одобрения.
type Key struct {
	TaskID    uuid.UUID
	SubunitID uuid.UUID
	Epoch     int64
	Method    Method
	Seq       int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%s:%d", k.TaskID, k.SubunitID, k.Epoch, k.Method, k.Seq)
}

// Call - один вызов контракта. Порядок аргументов задаётся Params.
type Call struct {
	Key          string
	Method       Method
	TaskRef      string
	SubunitIndex int
	Recipient    string
	Amount       valueobject.Amount
}

// Params кодирует аргументы в порядке сигнатур контракта, суммы - целые минимальные единицы.
func (c Call) Params() ([]any, error) {
	switch c.Method {
	case MethodFund:
		return []any{c.TaskRef, c.Amount.String()}, nil
	case MethodRelease:
		return []any{c.TaskRef, c.SubunitIndex, c.Recipient, c.Amount.String()}, nil
	case MethodComplete, MethodRaiseDispute:
		return []any{c.TaskRef}, nil
	case MethodResolveDispute:
		return []any{c.TaskRef, c.Recipient, c.Amount.String()}, nil
	}
	return nil, fmt.Errorf("ledger: неизвестный метод %q", c.Method)
}

// DecodeCall восстанавливает вызов из метода и списка аргументов.
func DecodeCall(key string, method Method, params []any) (Call, error) {
	c := Call{Key: key, Method: method}
	str := func(i int) (string, error) {
		if i >= len(params) {
			return "", fmt.Errorf("ledger: %s: не хватает аргумента %d", method, i)
		}
		s, ok := params[i].(string)
		if !ok {
			return "", fmt.Errorf("ledger: %s: аргумент %d должен быть строкой", method, i)
		}
		return s, nil
	}
	amount := func(i int) (valueobject.Amount, error) {
		s, err := str(i)
		if err != nil {
			return 0, err
		}
		return valueobject.ParseAmount(s)
	}
	expect := map[Method]int{MethodFund: 2, MethodRelease: 4, MethodComplete: 1, MethodRaiseDispute: 1, MethodResolveDispute: 3}
	n, ok := expect[method]
	if !ok {
		return Call{}, fmt.Errorf("ledger: неизвестный метод %q", method)
	}
	if len(params) != n {
		return Call{}, fmt.Errorf("ledger: %s: ожидается %d аргументов, получено %d", method, n, len(params))
	}

	var err error
	if c.TaskRef, err = str(0); err != nil {
		return Call{}, err
	}
	switch method {
	case MethodFund:
		c.Amount, err = amount(1)
	case MethodRelease:
		c.SubunitIndex, err = intParam(params[1])
		if err == nil {
			c.Recipient, err = str(2)
		}
		if err == nil {
			c.Amount, err = amount(3)
		}
	case MethodResolveDispute:
		c.Recipient, err = str(1)
		if err == nil {
			c.Amount, err = amount(2)
		}
	}
	if err != nil {
		return Call{}, err
	}
	return c, nil
}

func intParam(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	}
	return 0, fmt.Errorf("ledger: индекс подзадачи должен быть числом")
}

// Receipt - ответ реестра по ключу идемпотентности.
type Receipt struct {
	Key    string `json:"idempotency_key"`
	TxRef  string `json:"tx_ref"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Client - транспорт до контракта. Повтор Submit с тем же ключом
// не должен исполнять операцию второй раз на стороне реестра.
type Client interface {
	Submit(ctx context.Context, call Call) (Receipt, error)
	Lookup(ctx context.Context, key string) (Receipt, error)
}
