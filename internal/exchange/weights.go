package exchange

// Веса запросов Aster (API в стиле Binance, бюджет 1200 за минуту).
// Hyperliquid считает запросы штучно, вес там не используется.

// asterDepthWeight - вес стакана по числу уровней
func asterDepthWeight(levels int) int {
	switch {
	case levels <= 50:
		return 2
	case levels <= 100:
		return 5
	case levels <= 500:
		return 10
	default:
		return 20
	}
}

func asterWeight(op operation, levels int, hasSymbol bool) int {
	switch op {
	case opTicker:
		if hasSymbol {
			return 1
		}
		return 2
	case opDepth:
		return asterDepthWeight(levels)
	case opBalances, opPositions:
		return 5
	case opOpenOrders, opCancelAll:
		if hasSymbol {
			return 1
		}
		return 40
	case opSymbols:
		return 1
	case opFunding:
		return 1
	default:
		// place/query/cancel order, leverage, user stream
		return 1
	}
}

// hyperliquidWeight - площадка считает запросы, каждый стоит 1
func hyperliquidWeight(operation, int, bool) int { return 1 }
