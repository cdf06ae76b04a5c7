package agent

// Terminal messages surfaced to the user when a task ends abnormally.
const (
	// MsgTaskCancelled acknowledges a user-initiated stop.
	MsgTaskCancelled = "✅ 任务已停止。"

	// MsgMaxIterations is returned when the iteration budget is exhausted
	// without a confirmed answer.
	MsgMaxIterations = "已达到最大工具调用次数，请重新描述您的需求。"

	// MsgDeadLoop is returned when loop detection aborts the task.
	MsgDeadLoop = "⚠️ 检测到工具调用陷入死循环，任务已自动终止。请重新描述您的需求。"

	// MsgNoConfirmation is returned when the model repeatedly executes tools
	// without producing any visible confirmation text.
	MsgNoConfirmation = "⚠️ 大模型返回异常：工具已执行，但多次未返回任何可见文本确认，任务已中断。"

	// MsgEmptyReply is returned when the model produces neither tools nor
	// text and the nudge budget is spent.
	MsgEmptyReply = "抱歉，我没有生成有效的回复，请重新描述您的需求。"
)

// Injected transcript messages. These are user-role messages the engine
// appends to steer the model; they never reach the end user directly.
const (
	// modelSwitchNotice replaces the cleared tool history after a fallback
	// model takes over.
	modelSwitchNotice = "[系统提示] 模型已切换，此前的工具调用记录已清空，请从头开始处理用户请求。"

	// rollbackTemplate announces a checkpoint rollback. Arguments: failure
	// reason, summary of the failed decision.
	rollbackTemplate = "[系统提示] 之前的方案失败了 (原因: %s)。失败的决策: %s。请尝试完全不同的方法，不要重复相同的调用。"

	// verifyNudge and verifyNudgePlan push the model to keep working after
	// verification judges the answer incomplete. Argument: verifier reason.
	verifyNudge     = "[系统提示] 任务尚未完成（%s）。请继续执行剩余步骤，完成后再给出最终答复。"
	verifyNudgePlan = "[系统提示] 执行计划中仍有未完成的步骤（%s）。请继续执行计划，逐项完成或明确跳过后再结束任务。"

	// noConfirmationNudge asks for visible text after a tool round that
	// produced none.
	noConfirmationNudge = "[系统提示] 工具已执行完毕，但你没有返回任何可见的文字说明。请用简短的文字向用户确认执行结果。"

	// forceToolNudge pushes a tool-required task away from text-only answers.
	forceToolNudge = "[系统提示] 当前任务需要实际调用工具来完成，请不要只用文字回答。请调用合适的工具执行用户的请求。"

	// loopNudge fires when the same tool round repeats loopNudgeThreshold
	// times.
	loopNudge = "[系统提示] 检测到你在重复执行相同的工具调用。请改变策略：换一个工具、换一种参数，或者基于已有结果直接给出答复。"

	// selfCheckNudge and selfCheckNudgePlan fire every ten consecutive tool
	// rounds. Argument: the round count.
	selfCheckNudge     = "[系统提示] 你已经连续执行了 %d 轮工具调用。请自查：当前进展是否偏离了用户的原始需求？如果已经可以回答，请停止调用工具并给出答复。"
	selfCheckNudgePlan = "[系统提示] 你已经连续执行了 %d 轮工具调用。请对照执行计划自查：当前步骤是否仍在推进？已完成的步骤请及时更新计划状态。"

	// windDownNudge fires once at the wind-down round; after it the engine
	// stops granting no-tool retries.
	windDownNudge = "[系统提示] 工具调用轮数已接近上限。请停止探索，立即汇总已有结果并给出最终答复。"

	// llmDecidesInjection authorizes the model to proceed or wrap up after
	// the user stayed silent past both ask_user timeouts.
	llmDecidesInjection = "[系统提示] 用户长时间未回复。若能从上下文推断用户意图，请按推断继续执行；否则请礼貌地结束当前任务。"
)

// ask_user plumbing strings.
const (
	// askUserPlaceholder fills the ask_user tool result when no reply is
	// available (non-gateway sessions, or timeout).
	askUserPlaceholder = "（等待用户回复）"

	// userReplyPrefix marks an interrupt reply injected as a tool result.
	userReplyPrefix = "用户回复："

	// askUserFallback is the question shown when ask_user carried no usable
	// question field.
	askUserFallback = "请问您能提供更多信息吗？"

	// waitingReminder is sent through the gateway after the first silence
	// window expires.
	waitingReminder = "您还在吗？我在等待您的回复，以便继续当前任务。"
)

// verifyGiveUpTrailer is appended to the last answer when verification keeps
// rejecting it past the cap; the answer is released as-is.
const verifyGiveUpTrailer = "\n\n（注：任务完成度校验未通过，以上为当前已取得的结果。）"
