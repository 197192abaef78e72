package queue

import logx "mediabot/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
