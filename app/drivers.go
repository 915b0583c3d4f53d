package app

import (
	"encoding/binary"
	"fmt"

	"ember/hal"
	"ember/sparkos/kernel"
)

// Driver numbers userspace uses to reach the built-in drivers.
const (
	ConsoleDriver = 1
	AlarmDriver   = 2
)

// Console commands.
const (
	ConsoleCmdExists = 0
	// ConsoleCmdWrite writes arg0 bytes of the allowed buffer.
	ConsoleCmdWrite = 1

	ConsoleAllowWrite     = 1
	ConsoleSubscribeWrite = 1
)

// Alarm commands.
const (
	AlarmCmdExists = 0
	// AlarmCmdSetRelative fires the alarm callback arg0 ticks from now.
	AlarmCmdSetRelative = 1
	AlarmCmdStop        = 2
	AlarmCmdNow         = 3

	AlarmSubscribeFired = 0
)

// Console grant layout, little endian: bytes written, write count, allowed
// buffer start and length, write callback PC and app data.
const (
	consoleBytesOff  = 0
	consoleWritesOff = 4
	consoleBufOff    = 8
	consoleCbOff     = 16
	consoleGrantSize = 24
)

// consoleDriver writes app output to the log, one line per write. All
// per-process state lives in the console grant.
type consoleDriver struct {
	grant *kernel.Grant
	log   hal.Logger
}

func newConsoleDriver(k *kernel.Kernel, log hal.Logger) (*consoleDriver, error) {
	g, err := k.CreateGrant("console")
	if err != nil {
		return nil, err
	}
	return &consoleDriver{grant: g, log: log}, nil
}

func (d *consoleDriver) enter(p *kernel.Process, fn func(mem []byte)) kernel.ReturnCode {
	err := d.grant.Enter(p, consoleGrantSize, 4, func(mem []byte) error {
		fn(mem)
		return nil
	})
	return kernel.ReturnCodeOf(err)
}

func (d *consoleDriver) Command(p *kernel.Process, cmd, arg0, arg1 uint32) kernel.ReturnCode {
	switch cmd {
	case ConsoleCmdExists:
		return kernel.Success
	case ConsoleCmdWrite:
	default:
		return kernel.ENoSupport
	}

	var rec [consoleGrantSize]byte
	if rc := d.enter(p, func(mem []byte) { copy(rec[:], mem) }); rc != kernel.Success {
		return rc
	}
	start := kernel.Addr(binary.LittleEndian.Uint32(rec[consoleBufOff:]))
	size := binary.LittleEndian.Uint32(rec[consoleBufOff+4:])
	if start == 0 {
		return kernel.EReserve
	}
	buf, err := p.Allow(start, size)
	if err != nil || buf == nil {
		return kernel.ReturnCodeOf(err)
	}
	n := min(int(arg0), buf.Len())
	rc := d.enter(p, func(mem []byte) {
		binary.LittleEndian.PutUint32(mem[consoleBytesOff:], binary.LittleEndian.Uint32(mem[consoleBytesOff:])+uint32(n))
		binary.LittleEndian.PutUint32(mem[consoleWritesOff:], binary.LittleEndian.Uint32(mem[consoleWritesOff:])+1)
	})
	if rc != kernel.Success {
		return rc
	}
	if d.log != nil {
		d.log.WriteLineString(fmt.Sprintf("[%s] %s", p.Name(), buf.Bytes()[:n]))
	}
	id := kernel.CallbackID{Driver: ConsoleDriver, Subscribe: ConsoleSubscribeWrite}
	callbackAt(rec[consoleCbOff:], id).Schedule(p, uint32(n), 0, 0)
	return kernel.Success
}

func (d *consoleDriver) Subscribe(p *kernel.Process, sub uint32, cb kernel.Callback) kernel.ReturnCode {
	if sub != ConsoleSubscribeWrite {
		return kernel.ENoSupport
	}
	return d.enter(p, func(mem []byte) { putCallback(mem[consoleCbOff:], cb) })
}

func (d *consoleDriver) Allow(p *kernel.Process, sub uint32, slice *kernel.AppSlice) kernel.ReturnCode {
	if sub != ConsoleAllowWrite {
		return kernel.ENoSupport
	}
	var start kernel.Addr
	var size uint32
	if slice != nil {
		start, size = slice.Start(), uint32(slice.Len())
	}
	return d.enter(p, func(mem []byte) {
		binary.LittleEndian.PutUint32(mem[consoleBufOff:], uint32(start))
		binary.LittleEndian.PutUint32(mem[consoleBufOff+4:], size)
	})
}

// Stats returns the bytes and writes p has sent to the console.
func (d *consoleDriver) Stats(p *kernel.Process) (bytes, writes uint32) {
	d.enter(p, func(mem []byte) {
		bytes = binary.LittleEndian.Uint32(mem[consoleBytesOff:])
		writes = binary.LittleEndian.Uint32(mem[consoleWritesOff:])
	})
	return bytes, writes
}

// Alarm grant layout: absolute expiry tick (zero when disarmed), then the
// fired callback PC and app data.
const (
	alarmExpiryOff = 0
	alarmCbOff     = 8
	alarmGrantSize = 16
)

// alarmDriver gives every process one alarm on the host tick clock.
type alarmDriver struct {
	grant *kernel.Grant
	now   uint64
}

func newAlarmDriver(k *kernel.Kernel) (*alarmDriver, error) {
	g, err := k.CreateGrant("alarm")
	if err != nil {
		return nil, err
	}
	return &alarmDriver{grant: g}, nil
}

func (d *alarmDriver) enter(p *kernel.Process, fn func(mem []byte)) kernel.ReturnCode {
	err := d.grant.Enter(p, alarmGrantSize, 8, func(mem []byte) error {
		fn(mem)
		return nil
	})
	return kernel.ReturnCodeOf(err)
}

func (d *alarmDriver) Command(p *kernel.Process, cmd, arg0, arg1 uint32) kernel.ReturnCode {
	switch cmd {
	case AlarmCmdExists:
		return kernel.Success
	case AlarmCmdNow:
		return kernel.ReturnCode(int32(d.now & 0x7FFF_FFFF))
	case AlarmCmdSetRelative, AlarmCmdStop:
	default:
		return kernel.ENoSupport
	}

	expiry := uint64(0)
	if cmd == AlarmCmdSetRelative {
		expiry = d.now + uint64(max(arg0, 1))
	}
	return d.enter(p, func(mem []byte) {
		binary.LittleEndian.PutUint64(mem[alarmExpiryOff:], expiry)
	})
}

func (d *alarmDriver) Subscribe(p *kernel.Process, sub uint32, cb kernel.Callback) kernel.ReturnCode {
	if sub != AlarmSubscribeFired {
		return kernel.ENoSupport
	}
	return d.enter(p, func(mem []byte) { putCallback(mem[alarmCbOff:], cb) })
}

func (d *alarmDriver) Allow(*kernel.Process, uint32, *kernel.AppSlice) kernel.ReturnCode {
	return kernel.ENoSupport
}

// tick advances the clock to now and fires every expired alarm.
func (d *alarmDriver) tick(now uint64) {
	d.now = now
	id := kernel.CallbackID{Driver: AlarmDriver, Subscribe: AlarmSubscribeFired}
	d.grant.Each(alarmGrantSize, func(p *kernel.Process, mem []byte) {
		expiry := binary.LittleEndian.Uint64(mem[alarmExpiryOff:])
		if expiry == 0 || expiry > now {
			return
		}
		binary.LittleEndian.PutUint64(mem[alarmExpiryOff:], 0)
		callbackAt(mem[alarmCbOff:], id).Schedule(p, uint32(now), uint32(expiry), 0)
	})
}

// putCallback stores a subscription as PC and app data. A zero PC is no
// subscription.
func putCallback(mem []byte, cb kernel.Callback) {
	binary.LittleEndian.PutUint32(mem[0:], uint32(cb.PC))
	binary.LittleEndian.PutUint32(mem[4:], cb.AppData)
}

func callbackAt(mem []byte, id kernel.CallbackID) kernel.Callback {
	return kernel.Callback{
		ID:      id,
		PC:      kernel.Addr(binary.LittleEndian.Uint32(mem[0:])),
		AppData: binary.LittleEndian.Uint32(mem[4:]),
	}
}
