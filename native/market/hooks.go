package market

// Permissions lists the pool manager callbacks a hook contract opts into.
type Permissions struct {
	BeforeInitialize                bool `json:"beforeInitialize"`
	AfterInitialize                 bool `json:"afterInitialize"`
	BeforeAddLiquidity              bool `json:"beforeAddLiquidity"`
	AfterAddLiquidity               bool `json:"afterAddLiquidity"`
	BeforeRemoveLiquidity           bool `json:"beforeRemoveLiquidity"`
	AfterRemoveLiquidity            bool `json:"afterRemoveLiquidity"`
	BeforeSwap                      bool `json:"beforeSwap"`
	AfterSwap                       bool `json:"afterSwap"`
	BeforeDonate                    bool `json:"beforeDonate"`
	AfterDonate                     bool `json:"afterDonate"`
	BeforeSwapReturnDelta           bool `json:"beforeSwapReturnDelta"`
	AfterSwapReturnDelta            bool `json:"afterSwapReturnDelta"`
	AfterAddLiquidityReturnDelta    bool `json:"afterAddLiquidityReturnDelta"`
	AfterRemoveLiquidityReturnDelta bool `json:"afterRemoveLiquidityReturnDelta"`
}
