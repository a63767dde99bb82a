package pipeline

// StageOutcome 是阶段函数的返回值。预期内的领域失败放在 Err 中，
// 只有基础设施级故障才作为 Go error 向上传播。
type StageOutcome struct {
	Output map[string]any
	Err    error
}

// Succeeded 构造成功结果。
func Succeeded(output map[string]any) StageOutcome {
	return StageOutcome{Output: output}
}

// Failed 构造失败结果，可附带部分输出。
func Failed(err error, output map[string]any) StageOutcome {
	return StageOutcome{Output: output, Err: err}
}

// OK 判断结果是否成功。
func (o StageOutcome) OK() bool {
	return o.Err == nil
}
