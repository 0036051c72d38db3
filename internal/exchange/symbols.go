package exchange

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SymbolInfo - описание инструмента, полученное от площадки при старте
type SymbolInfo struct {
	Symbol      string          `json:"symbol"` // нормализованный (BTCUSDT, BTC, PURR/USDC)
	Native      string          `json:"native"` // как площадка принимает в запросах
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MaxLeverage int             `json:"max_leverage"`
	AssetID     int             `json:"asset_id"` // числовой id (Hyperliquid)
}

// SymbolTable - таблица символов площадки.
// Заполняется один раз при создании адаптера, дальше только читается;
// символы по ходу работы не угадываются.
type SymbolTable struct {
	byAlias map[string]*SymbolInfo
	all     []SymbolInfo
}

// NewSymbolTable строит таблицу и регистрирует алиасы:
// нативное имя, BASEQUOTE, BASE/QUOTE, BASE-QUOTE, BASE_QUOTE.
func NewSymbolTable(infos []SymbolInfo) *SymbolTable {
	t := &SymbolTable{byAlias: make(map[string]*SymbolInfo, len(infos)*4)}
	t.all = make([]SymbolInfo, len(infos))
	copy(t.all, infos)
	sort.Slice(t.all, func(i, j int) bool { return t.all[i].Symbol < t.all[j].Symbol })

	for i := range t.all {
		info := &t.all[i]
		t.add(info.Symbol, info)
		t.add(info.Native, info)
		if info.Base != "" && info.Quote != "" {
			for _, sep := range []string{"", "/", "-", "_"} {
				t.add(info.Base+sep+info.Quote, info)
			}
		}
	}
	return t
}

func (t *SymbolTable) add(alias string, info *SymbolInfo) {
	if alias == "" {
		return
	}
	key := strings.ToUpper(alias)
	// первое имя выигрывает: явный символ важнее производного алиаса
	if _, exists := t.byAlias[key]; !exists {
		t.byAlias[key] = info
	}
}

// Resolve находит инструмент по любому зарегистрированному алиасу
func (t *SymbolTable) Resolve(symbol string) (SymbolInfo, bool) {
	info, ok := t.byAlias[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return SymbolInfo{}, false
	}
	return *info, true
}

// ByNative ищет по нативному имени площадки (для разбора потоковых сообщений)
func (t *SymbolTable) ByNative(native string) (SymbolInfo, bool) {
	return t.Resolve(native)
}

// All возвращает копию всех инструментов, отсортированных по символу
func (t *SymbolTable) All() []SymbolInfo {
	out := make([]SymbolInfo, len(t.all))
	copy(out, t.all)
	return out
}

// Len - количество инструментов
func (t *SymbolTable) Len() int {
	return len(t.all)
}
